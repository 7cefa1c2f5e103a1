package timeline

import "fmt"

// StoreOptions 选择日志后端。
type StoreOptions struct {
	Backend       string // memory | sqlite | redis
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// OpenStore 按配置打开日志存储；空后端等同 memory。
func OpenStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "sqlite":
		return OpenSQLiteStore(opts.SQLitePath)
	case "redis":
		return OpenRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("journal: unsupported backend %q", opts.Backend)
	}
}
