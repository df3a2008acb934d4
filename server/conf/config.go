package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
)

type CommandLineArgs struct {
	ConfigPath string
}

/*
示例配置:

[logs]
log_error     = /var/log/xmysql/error.log
log_infos     = /var/log/xmysql/engine.log
log_level     = info
max_size_mb   = 100

[innodb]
page_size         = 16384
force_recovery    = 0
lock_wait_timeout = 50s
isolation_level   = REPEATABLE-READ
lob_compression   = lz4
lob_chunk_size    = 65536

[purge]
threads      = 4
batch_size   = 300
max_retries  = 3
retry_backoff = 10ms

[search]
prefetch_size      = 8
prefetch_threshold = 4
*/
type Cfg struct {
	Raw *ini.File

	// logs
	LogError      string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos      string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel      string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
	LogMaxSizeMB  int    `default:"100" yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	LogMaxBackups int    `default:"5" yaml:"max_backups" json:"max_backups,omitempty"`
	LogMaxAgeDays int    `default:"30" yaml:"max_age_days" json:"max_age_days,omitempty"`

	// innodb
	InnodbPageSize        int           `default:"16384" yaml:"page_size" json:"page_size,omitempty"`
	InnodbForceRecovery   int           `default:"0" yaml:"force_recovery" json:"force_recovery,omitempty"`
	InnodbLockWaitTimeout time.Duration `default:"50s" yaml:"lock_wait_timeout" json:"lock_wait_timeout,omitempty"`
	InnodbIsolationLevel  basic.IsolationLevel
	InnodbLOBCompression  string `default:"none" yaml:"lob_compression" json:"lob_compression,omitempty"`
	InnodbLOBChunkSize    int    `default:"65536" yaml:"lob_chunk_size" json:"lob_chunk_size,omitempty"`
	InnodbSpaceQuotaPages int    `default:"0" yaml:"space_quota_pages" json:"space_quota_pages,omitempty"`
	InnodbDebugLatches    bool   `default:"true" yaml:"debug_latches" json:"debug_latches,omitempty"`

	// purge
	PurgeThreads      int           `default:"4" yaml:"threads" json:"threads,omitempty"`
	PurgeBatchSize    int           `default:"300" yaml:"batch_size" json:"batch_size,omitempty"`
	PurgeMaxRetries   int           `default:"3" yaml:"max_retries" json:"max_retries,omitempty"`
	PurgeRetryBackoff time.Duration `default:"10ms" yaml:"retry_backoff" json:"retry_backoff,omitempty"`
	PurgeInterval     time.Duration `default:"1s" yaml:"interval" json:"interval,omitempty"`

	// search
	SearchPrefetchSize      int `default:"8" yaml:"prefetch_size" json:"prefetch_size,omitempty"`
	SearchPrefetchThreshold int `default:"4" yaml:"prefetch_threshold" json:"prefetch_threshold,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:      ini.Empty(),
		LogLevel: "info",
		// 日志滚动
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 30,
		// InnoDB 默认配置
		InnodbPageSize:        16384,
		InnodbLockWaitTimeout: 50 * time.Second,
		InnodbIsolationLevel:  basic.RepeatableRead,
		InnodbLOBCompression:  "none",
		InnodbLOBChunkSize:    65536,
		InnodbDebugLatches:    true,
		// Purge
		PurgeThreads:      4,
		PurgeBatchSize:    300,
		PurgeMaxRetries:   3,
		PurgeRetryBackoff: 10 * time.Millisecond,
		PurgeInterval:     time.Second,
		// 预取
		SearchPrefetchSize:      8,
		SearchPrefetchThreshold: 4,
	}
}

// Load 读取配置文件，缺失的键使用默认值
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	path := args.ConfigPath
	if path == "" {
		dir, _ := filepath.Abs(".")
		path = filepath.Join(dir, "conf", "my.ini")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Annotatef(err, "config file %s", path)
	}
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, errors.Annotatef(err, "parse config file %s", path)
	}
	return cfg.LoadFile(iniFile)
}

// LoadFile 从已解析的ini文件读取各段配置
func (cfg *Cfg) LoadFile(f *ini.File) (*Cfg, error) {
	cfg.Raw = f
	cfg.parseLogsCfg(f.Section("logs"))
	if err := cfg.parseInnodbCfg(f.Section("innodb")); err != nil {
		return nil, err
	}
	if err := cfg.parsePurgeCfg(f.Section("purge")); err != nil {
		return nil, err
	}
	cfg.parseSearchCfg(f.Section("search"))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError = section.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = section.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	cfg.LogMaxSizeMB = section.Key("max_size_mb").MustInt(cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = section.Key("max_backups").MustInt(cfg.LogMaxBackups)
	cfg.LogMaxAgeDays = section.Key("max_age_days").MustInt(cfg.LogMaxAgeDays)
}

func (cfg *Cfg) parseInnodbCfg(section *ini.Section) error {
	cfg.InnodbPageSize = section.Key("page_size").MustInt(cfg.InnodbPageSize)
	cfg.InnodbForceRecovery = section.Key("force_recovery").MustInt(cfg.InnodbForceRecovery)
	cfg.InnodbLockWaitTimeout = section.Key("lock_wait_timeout").MustDuration(cfg.InnodbLockWaitTimeout)
	if section.HasKey("isolation_level") {
		lvl, ok := basic.ParseIsolationLevel(section.Key("isolation_level").String())
		if !ok {
			return errors.NotValidf("isolation_level %q", section.Key("isolation_level").String())
		}
		cfg.InnodbIsolationLevel = lvl
	}
	cfg.InnodbLOBCompression = strings.ToLower(section.Key("lob_compression").MustString(cfg.InnodbLOBCompression))
	cfg.InnodbLOBChunkSize = section.Key("lob_chunk_size").MustInt(cfg.InnodbLOBChunkSize)
	cfg.InnodbSpaceQuotaPages = section.Key("space_quota_pages").MustInt(cfg.InnodbSpaceQuotaPages)
	cfg.InnodbDebugLatches = section.Key("debug_latches").MustBool(cfg.InnodbDebugLatches)
	return nil
}

func (cfg *Cfg) parsePurgeCfg(section *ini.Section) error {
	cfg.PurgeThreads = section.Key("threads").MustInt(cfg.PurgeThreads)
	cfg.PurgeBatchSize = section.Key("batch_size").MustInt(cfg.PurgeBatchSize)
	cfg.PurgeMaxRetries = section.Key("max_retries").MustInt(cfg.PurgeMaxRetries)
	cfg.PurgeRetryBackoff = section.Key("retry_backoff").MustDuration(cfg.PurgeRetryBackoff)
	cfg.PurgeInterval = section.Key("interval").MustDuration(cfg.PurgeInterval)
	return nil
}

func (cfg *Cfg) parseSearchCfg(section *ini.Section) {
	cfg.SearchPrefetchSize = section.Key("prefetch_size").MustInt(cfg.SearchPrefetchSize)
	cfg.SearchPrefetchThreshold = section.Key("prefetch_threshold").MustInt(cfg.SearchPrefetchThreshold)
}

// Validate 校验取值范围
func (cfg *Cfg) Validate() error {
	switch cfg.InnodbPageSize {
	case 4096, 8192, 16384, 32768, 65536:
	default:
		return errors.NotValidf("page_size %d", cfg.InnodbPageSize)
	}
	if cfg.InnodbForceRecovery < 0 || cfg.InnodbForceRecovery > 6 {
		return errors.NotValidf("force_recovery %d", cfg.InnodbForceRecovery)
	}
	if cfg.InnodbLockWaitTimeout <= 0 {
		return errors.NotValidf("lock_wait_timeout %v", cfg.InnodbLockWaitTimeout)
	}
	switch cfg.InnodbLOBCompression {
	case "none", "zlib", "lz4", "snappy":
	default:
		return errors.NotValidf("lob_compression %q", cfg.InnodbLOBCompression)
	}
	if cfg.InnodbLOBChunkSize < 1024 || cfg.InnodbLOBChunkSize > 1<<24 {
		return errors.NotValidf("lob_chunk_size %d", cfg.InnodbLOBChunkSize)
	}
	if cfg.InnodbSpaceQuotaPages < 0 {
		return errors.NotValidf("space_quota_pages %d", cfg.InnodbSpaceQuotaPages)
	}
	if cfg.PurgeThreads < 1 || cfg.PurgeThreads > 32 {
		return errors.NotValidf("purge threads %d", cfg.PurgeThreads)
	}
	if cfg.PurgeBatchSize < 1 {
		return errors.NotValidf("purge batch_size %d", cfg.PurgeBatchSize)
	}
	if cfg.PurgeMaxRetries < 1 {
		return errors.NotValidf("purge max_retries %d", cfg.PurgeMaxRetries)
	}
	if cfg.SearchPrefetchSize < 1 || cfg.SearchPrefetchThreshold < 0 {
		return errors.NotValidf("prefetch_size %d / prefetch_threshold %d", cfg.SearchPrefetchSize, cfg.SearchPrefetchThreshold)
	}
	return nil
}
