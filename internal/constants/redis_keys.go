package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// CacheModulePrefix 生成缓存模块
	CacheModulePrefix = "cache"
	// GenerationModulePrefix 生成任务模块
	GenerationModulePrefix = "generation"

	// EntityContent 第一层内容缓存实体
	EntityContent = "content"
	// EntityRender 第二层渲染缓存实体
	EntityRender = "render"
	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyContentCache 内容缓存 (STRING, JSON)
	// 格式: app:cache:content:{resumeID}:{jobID}
	KeyContentCache = AppPrefix + ":" + CacheModulePrefix + ":" + EntityContent + ":%s:%s"

	// KeyRenderCache 渲染缓存 (STRING, JSON)
	// 格式: app:cache:render:{contentCacheID}:{templateID}
	KeyRenderCache = AppPrefix + ":" + CacheModulePrefix + ":" + EntityRender + ":%s:%s"

	// KeyGenerationLock 同一 (简历, 岗位) 的生成锁 (STRING)
	// 格式: app:generation:lock:{resumeID}:{jobID}
	KeyGenerationLock = AppPrefix + ":" + GenerationModulePrefix + ":" + EntityLock + ":%s:%s"
)
