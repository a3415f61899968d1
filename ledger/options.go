package ledger

import (
	"time"

	"github.com/spf13/viper"
)

// Options configures a ManagedLog, mirroring the recognized configuration
// surface of spec.md section 6 and the teacher's commitlog Options struct.
type Options struct {
	// Name identifies the log; also used as its on-disk directory name.
	Name string
	// Path is the directory segments and metadata are stored under. Ignored
	// by an in-memory SegmentStore/MetadataStore.
	Path string

	// MaxEntriesPerLedger is the segment rollover threshold (spec.md
	// section 4.1). Zero uses defaultMaxEntriesPerLedger.
	MaxEntriesPerLedger int64
	// MaxSegmentBytes is the byte-size segment rollover threshold (spec.md
	// section 4.1: "on segment-full, per maxEntriesPerLedger or byte
	// threshold"). Zero uses defaultMaxSegmentBytes.
	MaxSegmentBytes int64
	// RetentionTimeSeconds is the minimum age budget for trimming (spec.md
	// section 4.1). Zero means "trim as soon as no durable cursor backlog
	// requires the segment".
	RetentionTimeSeconds int64
	// RetentionSizeMB is the minimum retained-bytes budget. Zero behaves
	// the same as RetentionTimeSeconds == 0.
	RetentionSizeMB int64
	// MaxCacheSizeBytes bounds the shared entry cache. Zero disables
	// caching (pass-through).
	MaxCacheSizeBytes int64
	// MetadataMaxEntriesPerLedger is loaded and defaulted but not read by
	// any store: the file-backed metadata store keeps one JSON file per
	// cursor and has no metadata segments to roll over.
	MetadataMaxEntriesPerLedger int64

	// CheckpointInterval is loaded and defaulted but not read by
	// ManagedLog: no background flush runs, and durable cursor state is
	// written only by the synchronous mark-delete persistence.
	CheckpointInterval time.Duration
	// CleanerInterval is how often trim() runs.
	CleanerInterval time.Duration

	// Debug enables debug-level logging.
	Debug bool
}

const (
	defaultMaxEntriesPerLedger = 50000
	defaultMaxSegmentBytes     = 256 * 1024 * 1024
	defaultCheckpointInterval  = 5 * time.Second
	defaultCleanerInterval     = 5 * time.Minute
)

func (o *Options) setDefaults() {
	if o.MaxEntriesPerLedger == 0 {
		o.MaxEntriesPerLedger = defaultMaxEntriesPerLedger
	}
	if o.MaxSegmentBytes == 0 {
		o.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = defaultCheckpointInterval
	}
	if o.CleanerInterval == 0 {
		o.CleanerInterval = defaultCleanerInterval
	}
}

// LoadOptions reads Options from a config file (and environment overrides)
// using viper, the way the teacher's broker configuration is loaded. path
// may be empty, in which case only environment variables (prefixed
// MANAGEDLOG_) and defaults apply.
func LoadOptions(path string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("managedlog")
	v.AutomaticEnv()

	v.SetDefault("maxentriesperledger", defaultMaxEntriesPerLedger)
	v.SetDefault("maxsegmentbytes", defaultMaxSegmentBytes)
	v.SetDefault("retentiontimeseconds", 0)
	v.SetDefault("retentionsizemb", 0)
	v.SetDefault("maxcachesizebytes", 0)
	v.SetDefault("metadatamaxentriesperledger", defaultMaxEntriesPerLedger)
	v.SetDefault("checkpointinterval", defaultCheckpointInterval)
	v.SetDefault("cleanerinterval", defaultCleanerInterval)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, err
		}
	}

	opts := Options{
		Name:                        v.GetString("name"),
		Path:                        v.GetString("path"),
		MaxEntriesPerLedger:         v.GetInt64("maxentriesperledger"),
		MaxSegmentBytes:             v.GetInt64("maxsegmentbytes"),
		RetentionTimeSeconds:        v.GetInt64("retentiontimeseconds"),
		RetentionSizeMB:             v.GetInt64("retentionsizemb"),
		MaxCacheSizeBytes:           v.GetInt64("maxcachesizebytes"),
		MetadataMaxEntriesPerLedger: v.GetInt64("metadatamaxentriesperledger"),
		CheckpointInterval:          v.GetDuration("checkpointinterval"),
		CleanerInterval:             v.GetDuration("cleanerinterval"),
		Debug:                       v.GetBool("debug"),
	}
	opts.setDefaults()
	return opts, nil
}
