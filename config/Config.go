package config

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	HttpPort             int
	StorageType          StorageType
	RedisConfig          RedisStorageConfig
	LogLevel             string
	AuditLogPath         string
	SweepIntervalSeconds int
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	PoolSize  int
	Password  string
}
