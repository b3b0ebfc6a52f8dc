package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s必须是%s之一，实际为%q", field, strings.Join(allowed, "/"), value)
}

// Validate 校验配置合法性，需在ApplyDefaults之后调用
func (c *EngineConfig) Validate() error {
	ne := &c.NodeEngine

	if ne.General.InstanceName == "" {
		return fmt.Errorf("instance_name不能为空")
	}
	if err := oneOf("log_level", ne.General.LogLevel, "debug", "info", "warn", "error", "fatal"); err != nil {
		return err
	}

	// Storage
	st := &ne.Storage
	if err := oneOf("storage.hot_backend", st.HotBackend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("storage.cold_backend", st.ColdBackend, "memory", "sql"); err != nil {
		return err
	}
	if err := oneOf("storage.blob.type", st.Blob.Type, "memory", "sql", "s3"); err != nil {
		return err
	}
	needsDB := st.ColdBackend == "sql" || st.Blob.Type == "sql" || ne.Queue.Backend == "sql" ||
		(ne.Janitor.Enabled && ne.Janitor.Leader.Backend == "sql")
	if needsDB {
		if err := oneOf("database.type", st.Database.Type, "sqlite", "mysql", "postgres", "postgresql"); err != nil {
			return err
		}
		if st.Database.DSN == "" {
			return fmt.Errorf("database.dsn不能为空")
		}
	}
	if st.Database.MaxIdleConns > st.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns不能大于max_open_conns")
	}
	needsRedis := st.HotBackend == "redis" || ne.Queue.Backend == "redis" ||
		(ne.Janitor.Enabled && ne.Janitor.Leader.Backend == "redis")
	if needsRedis && st.Redis.URL == "" {
		return fmt.Errorf("redis.url不能为空")
	}
	if st.Blob.Type == "s3" && st.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket不能为空")
	}

	// Queue
	if err := oneOf("queue.backend", ne.Queue.Backend, "memory", "sql", "redis"); err != nil {
		return err
	}
	if err := oneOf("queue.notify", ne.Queue.Notify, "memory", "postgres", "none"); err != nil {
		return err
	}
	if ne.Queue.Notify == "postgres" && st.Database.Type != "postgres" && st.Database.Type != "postgresql" {
		return fmt.Errorf("queue.notify=postgres需要database.type为postgres")
	}
	if ne.Queue.Backend == "memory" && st.HotBackend == "redis" {
		return fmt.Errorf("queue.backend=memory不能与redis热存储混用")
	}

	// Execution
	ex := &ne.Execution
	if ex.Retry.BaseDelay > ex.Retry.MaxDelay {
		return fmt.Errorf("execution.retry.base_delay不能大于max_delay")
	}
	if err := oneOf("execution.retry.strategy", ex.Retry.Strategy, "fixed", "linear", "exponential"); err != nil {
		return err
	}
	if ex.Retry.Jitter < 0 || ex.Retry.Jitter > 1 {
		return fmt.Errorf("execution.retry.jitter必须在[0,1]之间")
	}
	if ex.DefaultMaxRetries < 0 {
		return fmt.Errorf("execution.default_max_retries不能为负数")
	}

	if ne.Scheduler.Mode != "" {
		if err := oneOf("scheduler.mode", ne.Scheduler.Mode, "workflow", "node"); err != nil {
			return err
		}
	}

	// Janitor
	if ne.Janitor.Enabled {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(ne.Janitor.Schedule); err != nil {
			return fmt.Errorf("janitor.schedule无效: %w", err)
		}
		if err := oneOf("janitor.leader.backend", ne.Janitor.Leader.Backend, "sql", "redis", "none"); err != nil {
			return err
		}
		if ne.Janitor.Leader.Heartbeat >= ne.Janitor.Leader.TTL {
			return fmt.Errorf("janitor.leader.heartbeat必须小于ttl")
		}
	}

	if ne.API.Port > 65535 {
		return fmt.Errorf("api.port超出范围: %d", ne.API.Port)
	}

	if em := ne.Alerts.Email; em.Enabled {
		if em.SMTPHost == "" || em.From == "" || len(em.To) == 0 {
			return fmt.Errorf("alerts.email需要smtp_host、from与to")
		}
	}
	return nil
}
