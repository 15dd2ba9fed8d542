package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"ats-tailor/internal/render"
	"ats-tailor/internal/types"
)

func categoryList() string {
	names := make([]string, 0, len(types.AllCategories))
	for _, c := range types.AllCategories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

const compatibilitySystemPrompt = `You are an expert recruiter comparing a candidate's resume with a job posting.
Identify where the resume already matches the role, where it falls short, and what the tailored resume should emphasize.
Respond with a single JSON object:
{"overlapAreas": [string], "gapAreas": [string], "strategicFocus": [string]}
Keep every entry short (under 15 words). Do not invent experience the candidate does not have.`

func compatibilityUserPrompt(resumeText, jobDescription, jobTitle string) string {
	return fmt.Sprintf("JOB TITLE:\n%s\n\nJOB DESCRIPTION:\n%s\n\nRESUME:\n%s", jobTitle, jobDescription, resumeText)
}

var extractionSystemPrompt = fmt.Sprintf(`You convert a resume into structured content blocks. Transcribe, do not rewrite.
Rules:
- One block per logical unit: one job, one degree, one project, one certification. Contact details form one block, the skills list forms one block.
- Every block has a unique "id" such as "exp-1", "edu-1", "skills-1".
- "category" must be one of: %s.
- "content" is either an array of strings (skills, languages, interests) or one object with category fields. Experience objects use title, company, location, startDate, endDate, bullets. Projects use name, description, bullets.
- Copy every bullet exactly. The number of bullets in each entry must match the source.
- Do not add "priority". Do not omit any section.
Respond with a single JSON object:
{"blocks": [{"id": string, "category": string, "content": [string] | object}], "detectedCategories": [string]}`, categoryList())

func extractionUserPrompt(resumeText string) string {
	return "RESUME:\n" + resumeText
}

const tailoringSystemPrompt = `You tailor resume content blocks to a job posting.
Rules:
- Return exactly the same blocks: same count, same ids, same categories.
- Keep the same number of bullets or list items in every block. Only change wording and the order of skills inside a list.
- Use the job's keywords where they truthfully describe the candidate's work. Never invent employers, dates, degrees or skills.
- Add "priority" to every block: an integer from 1 (least relevant) to 10 (most relevant) for this job.
Respond with a single JSON object:
{"blocks": [{"id": string, "category": string, "priority": integer, "content": [string] | object}]}`

func tailoringUserPrompt(raw types.RawExtractedBlocks, jobDescription, jobTitle string, compat types.CompatibilityAnalysis) string {
	return fmt.Sprintf("JOB TITLE:\n%s\n\nJOB DESCRIPTION:\n%s\n\nSTRATEGY (from the compatibility analysis):\n%s\n\nBLOCKS (%d):\n%s",
		jobTitle, jobDescription, mustJSON(compat), len(raw.Blocks), mustJSON(raw.Blocks))
}

var scoringSystemPrompt = fmt.Sprintf(`You score how well a tailored resume fits a job posting.
Score three components:
- keywords: 0-%d, coverage of the job's required keywords and tools
- experience: 0-%d, relevance and depth of experience
- qualifications: 0-%d, education, certifications and hard requirements
"score" must equal keywords + experience + qualifications.
Respond with a single JSON object:
{"score": integer, "breakdown": {"keywords": integer, "experience": integer, "qualifications": integer}, "reasoning": string}`,
	types.MaxKeywordsScore, types.MaxExperienceScore, types.MaxQualificationsScore)

func scoringUserPrompt(resumeText string, tailored types.TailoredBlocks, jobDescription string) string {
	return fmt.Sprintf("JOB DESCRIPTION:\n%s\n\nORIGINAL RESUME:\n%s\n\nTAILORED BLOCKS:\n%s", jobDescription, resumeText, mustJSON(tailored.Blocks))
}

const gapsSystemPrompt = `You find skills a job requires that the candidate's skills do not show.
Only list skills that are actually requested by the job. Rate importance as "critical", "important" or "nice_to_have".
Respond with a single JSON object:
{"missingSkills": [{"skill": string, "importance": string, "category": string, "suggestion": string}], "summary": string}`

func gapsUserPrompt(skillBlocks []types.ContentBlock, jobDescription, jobTitle string) string {
	return fmt.Sprintf("JOB TITLE:\n%s\n\nJOB DESCRIPTION:\n%s\n\nCANDIDATE SKILLS:\n%s", jobTitle, jobDescription, mustJSON(skillBlocks))
}

const recommendationsSystemPrompt = `You give the candidate concrete advice to improve their fit for the job.
Advice is for the candidate only. Do not rewrite the resume here.
Rate priority as "high", "medium" or "low".
Respond with a single JSON object:
{"recommendations": [{"title": string, "description": string, "priority": string, "category": string, "impact": string}], "summary": string}`

func recommendationsUserPrompt(score int, gaps types.MissingSkillsAnalysis, tailored types.TailoredBlocks) string {
	return fmt.Sprintf("FIT SCORE: %d/100\n\nMISSING SKILLS:\n%s\n\nTAILORED BLOCKS:\n%s", score, mustJSON(gaps), mustJSON(tailored.Blocks))
}

const layoutSystemPrompt = `You place resume blocks into the sections of a resume template.
Sections: "header", "main", "sidebar", "footer". Single-column templates have no sidebar.
Rules:
- Every block id must appear exactly once across all sections. Do not drop low-priority blocks and do not repeat ids.
- Use only the ids you are given.
- Contact goes to the header. Order blocks within a section from most to least important.
Respond with a single JSON object:
{"layout": {"header": [string], "main": [string], "sidebar": [string], "footer": [string]}, "reasoning": string}`

type layoutBlockSummary struct {
	ID       string         `json:"id"`
	Category types.Category `json:"category"`
	Priority int            `json:"priority"`
	Items    int            `json:"items"`
}

func layoutUserPrompt(tailored types.TailoredBlocks, tc render.TemplateConstraints) string {
	summaries := make([]layoutBlockSummary, 0, len(tailored.Blocks))
	for _, b := range tailored.Blocks {
		summaries = append(summaries, layoutBlockSummary{
			ID:       b.ID,
			Category: b.Category,
			Priority: b.PriorityValue(),
			Items:    b.Content.SubItemCount(),
		})
	}
	return fmt.Sprintf("TEMPLATE %s:\n%s\n\nBLOCKS (%d, all must be placed):\n%s",
		tc.Name, mustJSON(tc), len(summaries), mustJSON(summaries))
}
