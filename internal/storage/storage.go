package storage

import (
	"context"
	"fmt"

	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"
)

// Storage 聚合所有存储依赖。MySQL 和 MinIO 必需，Redis 与 RabbitMQ 缺失时降级运行
type Storage struct {
	MySQL    *MySQL
	MinIO    *MinIO
	Redis    *Redis
	RabbitMQ *RabbitMQ
}

// NewStorage 按配置初始化各存储组件
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	log := logger.Component("storage")
	s := &Storage{}
	var err error

	s.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	s.MinIO, err = NewMinIO(ctx, &cfg.MinIO, logger.Component("minio"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("初始化MinIO失败: %w", err)
	}

	if cfg.Redis.Address != "" {
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			// 没有 Redis 时缓存直接走 MySQL，生成锁失效
			log.Warn().Err(err).Msg("初始化Redis失败，缓存热层和生成锁不可用")
			s.Redis = nil
		}
	} else {
		log.Info().Msg("Redis未配置, 跳过初始化")
	}

	if cfg.RabbitMQ.URL != "" {
		s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err != nil {
			log.Warn().Err(err).Msg("初始化RabbitMQ失败，任务状态事件将留在发件箱")
			s.RabbitMQ = nil
		} else if err := s.RabbitMQ.SetupJobEvents(); err != nil {
			log.Warn().Err(err).Msg("声明任务事件交换机失败")
		}
	}

	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	log := logger.Component("storage")
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			log.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			log.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
}
