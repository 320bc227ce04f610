// Package queryoptions parses and renders the "k1=v1,k2=v2,..." query
// option grammar, matching the flag grammar impala uses for
// -default_query_options and for the SET statement.
package queryoptions

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// CompressionCodec enumerates the supported COMPRESSION_CODEC values.
type CompressionCodec int

const (
	CompressionNone CompressionCodec = iota
	CompressionGzip
	CompressionBzip2
	CompressionDefault
	CompressionSnappy
	CompressionSnappyBlocked
)

var compressionByName = map[string]CompressionCodec{
	"none":            CompressionNone,
	"gzip":            CompressionGzip,
	"bzip2":           CompressionBzip2,
	"default":         CompressionDefault,
	"snappy":          CompressionSnappy,
	"snappy_blocked":  CompressionSnappyBlocked,
}

var compressionNames = map[CompressionCodec]string{
	CompressionNone:          "none",
	CompressionGzip:          "gzip",
	CompressionBzip2:         "bzip2",
	CompressionDefault:       "default",
	CompressionSnappy:        "snappy",
	CompressionSnappyBlocked: "snappy_blocked",
}

// ExplainLevel enumerates the supported EXPLAIN_LEVEL values.
type ExplainLevel int

const (
	ExplainMinimal ExplainLevel = iota
	ExplainStandard
	ExplainExtended
	ExplainVerbose
)

var explainByName = map[string]ExplainLevel{
	"minimal":  ExplainMinimal,
	"0":        ExplainMinimal,
	"standard": ExplainStandard,
	"1":        ExplainStandard,
	"extended": ExplainExtended,
	"2":        ExplainExtended,
	"verbose":  ExplainVerbose,
	"3":        ExplainVerbose,
}

var explainNames = map[ExplainLevel]string{
	ExplainMinimal:  "minimal",
	ExplainStandard: "standard",
	ExplainExtended: "extended",
	ExplainVerbose:  "verbose",
}

// Options holds every known query option (BATCH_SIZE defaults to 1024;
// everything else defaults to its Go zero value, matching impala's "unset
// means off/none/zero" convention).
type Options struct {
	AbortOnError               bool
	MaxErrors                  int
	DisableCodegen             bool
	BatchSize                  int
	MemLimit                   int64
	ParquetFileSize            int64
	MaxBlockMgrMemory          int64
	RMInitialMem               int64
	NumNodes                   int
	MaxScanRangeLength         int
	MaxIOBuffers               int
	NumScannerThreads          int
	HBaseCaching               int
	VCPUCores                  int
	ReservationRequestTimeout  int
	QueryTimeoutS              int
	DefaultOrderByLimit        int
	AllowUnsupportedFormats    bool
	AbortOnDefaultLimitExceeded bool
	HBaseCacheBlocks           bool
	SyncDDL                    bool
	DisableCachedReads         bool
	DisableOutermostTopN       bool
	StrictMode                 bool
	CompressionCodec           CompressionCodec
	ExplainLevel               ExplainLevel
	DebugAction                string
	RequestPool                string
}

// Default returns an Options with BATCH_SIZE at its documented default and
// everything else zeroed.
func Default() Options {
	return Options{BatchSize: 1024}
}

type setter func(o *Options, value string) error

var setters map[string]setter

func init() {
	setters = map[string]setter{
		"ABORT_ON_ERROR":                 setBool(func(o *Options, v bool) { o.AbortOnError = v }),
		"MAX_ERRORS":                     setInt(func(o *Options, v int) { o.MaxErrors = v }),
		"DISABLE_CODEGEN":                setBool(func(o *Options, v bool) { o.DisableCodegen = v }),
		"BATCH_SIZE":                     setInt(func(o *Options, v int) { o.BatchSize = v }),
		"MEM_LIMIT":                      setBytes(func(o *Options, v int64) { o.MemLimit = v }),
		"PARQUET_FILE_SIZE":              setBytes(func(o *Options, v int64) { o.ParquetFileSize = v }),
		"MAX_BLOCK_MGR_MEMORY":           setBytes(func(o *Options, v int64) { o.MaxBlockMgrMemory = v }),
		"RM_INITIAL_MEM":                 setBytes(func(o *Options, v int64) { o.RMInitialMem = v }),
		"NUM_NODES":                      setInt(func(o *Options, v int) { o.NumNodes = v }),
		"MAX_SCAN_RANGE_LENGTH":          setInt(func(o *Options, v int) { o.MaxScanRangeLength = v }),
		"MAX_IO_BUFFERS":                 setInt(func(o *Options, v int) { o.MaxIOBuffers = v }),
		"NUM_SCANNER_THREADS":            setInt(func(o *Options, v int) { o.NumScannerThreads = v }),
		"HBASE_CACHING":                  setInt(func(o *Options, v int) { o.HBaseCaching = v }),
		"V_CPU_CORES":                    setInt(func(o *Options, v int) { o.VCPUCores = v }),
		"RESERVATION_REQUEST_TIMEOUT":    setInt(func(o *Options, v int) { o.ReservationRequestTimeout = v }),
		"QUERY_TIMEOUT_S":                setInt(func(o *Options, v int) { o.QueryTimeoutS = v }),
		"DEFAULT_ORDER_BY_LIMIT":         setInt(func(o *Options, v int) { o.DefaultOrderByLimit = v }),
		"ALLOW_UNSUPPORTED_FORMATS":      setBool(func(o *Options, v bool) { o.AllowUnsupportedFormats = v }),
		"ABORT_ON_DEFAULT_LIMIT_EXCEEDED": setBool(func(o *Options, v bool) { o.AbortOnDefaultLimitExceeded = v }),
		"HBASE_CACHE_BLOCKS":             setBool(func(o *Options, v bool) { o.HBaseCacheBlocks = v }),
		"SYNC_DDL":                       setBool(func(o *Options, v bool) { o.SyncDDL = v }),
		"DISABLE_CACHED_READS":           setBool(func(o *Options, v bool) { o.DisableCachedReads = v }),
		"DISABLE_OUTERMOST_TOPN":         setBool(func(o *Options, v bool) { o.DisableOutermostTopN = v }),
		"STRICT_MODE":                    setBool(func(o *Options, v bool) { o.StrictMode = v }),
		"COMPRESSION_CODEC": func(o *Options, value string) error {
			if value == "" {
				return nil
			}
			c, ok := compressionByName[strings.ToLower(value)]
			if !ok {
				return errors.Newf("invalid COMPRESSION_CODEC: %q", value)
			}
			o.CompressionCodec = c
			return nil
		},
		"EXPLAIN_LEVEL": func(o *Options, value string) error {
			l, ok := explainByName[strings.ToLower(value)]
			if !ok {
				return errors.Newf("invalid EXPLAIN_LEVEL: %q", value)
			}
			o.ExplainLevel = l
			return nil
		},
		"DEBUG_ACTION": func(o *Options, value string) error {
			o.DebugAction = value
			return nil
		},
		"REQUEST_POOL": func(o *Options, value string) error {
			o.RequestPool = value
			return nil
		},
	}
}

func setBool(assign func(*Options, bool)) setter {
	return func(o *Options, value string) error {
		lower := strings.ToLower(value)
		v := lower == "true" || lower == "1"
		if !v && lower != "false" && lower != "0" {
			return errors.Newf("invalid boolean value: %q", value)
		}
		assign(o, v)
		return nil
	}
}

func setInt(assign func(*Options, int)) setter {
	return func(o *Options, value string) error {
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.Wrapf(err, "invalid integer value: %q", value)
		}
		assign(o, v)
		return nil
	}
}

func setBytes(assign func(*Options, int64)) setter {
	return func(o *Options, value string) error {
		trimmed := strings.TrimSpace(value)
		if strings.HasSuffix(trimmed, "%") {
			return errors.Newf("percent-form memory sizes are not supported: %q", value)
		}
		if strings.HasPrefix(trimmed, "-") {
			return errors.Newf("negative memory size not allowed: %q", value)
		}
		v, err := humanize.ParseBytes(trimmed)
		if err != nil {
			return errors.Wrapf(err, "invalid memory size: %q", value)
		}
		assign(o, int64(v))
		return nil
	}
}

// Parse parses a "k1=v1,k2=v2,..." string into an Options value seeded from
// base (typically Default()). An empty input is a no-op success. A
// malformed token (missing '=' or an empty key) or an unknown key fails
// with a descriptive error
func Parse(input string, base Options) (Options, error) {
	opts := base
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return opts, nil
	}
	for _, tok := range strings.Split(trimmed, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		idx := strings.IndexByte(tok, '=')
		if idx <= 0 {
			return Options{}, errors.Newf("malformed query option %q: expected key=value", tok)
		}
		key := strings.ToUpper(strings.TrimSpace(tok[:idx]))
		value := strings.TrimSpace(tok[idx+1:])
		set, ok := setters[key]
		if !ok {
			return Options{}, errors.Newf("unknown query option key: %q", key)
		}
		if err := set(&opts, value); err != nil {
			return Options{}, errors.Wrapf(err, "parsing option %q", key)
		}
	}
	return opts, nil
}

// Render produces the inverse mapping: every known key maps to its current
// string value, so that a newly added option lacking an inverse mapping is
// caught by TestRenderCoversAllKeys.
func Render(o Options) map[string]string {
	return map[string]string{
		"ABORT_ON_ERROR":                  strconv.FormatBool(o.AbortOnError),
		"MAX_ERRORS":                      strconv.Itoa(o.MaxErrors),
		"DISABLE_CODEGEN":                 strconv.FormatBool(o.DisableCodegen),
		"BATCH_SIZE":                      strconv.Itoa(o.BatchSize),
		"MEM_LIMIT":                       strconv.FormatInt(o.MemLimit, 10),
		"PARQUET_FILE_SIZE":               strconv.FormatInt(o.ParquetFileSize, 10),
		"MAX_BLOCK_MGR_MEMORY":            strconv.FormatInt(o.MaxBlockMgrMemory, 10),
		"RM_INITIAL_MEM":                  strconv.FormatInt(o.RMInitialMem, 10),
		"NUM_NODES":                       strconv.Itoa(o.NumNodes),
		"MAX_SCAN_RANGE_LENGTH":           strconv.Itoa(o.MaxScanRangeLength),
		"MAX_IO_BUFFERS":                  strconv.Itoa(o.MaxIOBuffers),
		"NUM_SCANNER_THREADS":             strconv.Itoa(o.NumScannerThreads),
		"HBASE_CACHING":                   strconv.Itoa(o.HBaseCaching),
		"V_CPU_CORES":                     strconv.Itoa(o.VCPUCores),
		"RESERVATION_REQUEST_TIMEOUT":     strconv.Itoa(o.ReservationRequestTimeout),
		"QUERY_TIMEOUT_S":                 strconv.Itoa(o.QueryTimeoutS),
		"DEFAULT_ORDER_BY_LIMIT":          strconv.Itoa(o.DefaultOrderByLimit),
		"ALLOW_UNSUPPORTED_FORMATS":       strconv.FormatBool(o.AllowUnsupportedFormats),
		"ABORT_ON_DEFAULT_LIMIT_EXCEEDED": strconv.FormatBool(o.AbortOnDefaultLimitExceeded),
		"HBASE_CACHE_BLOCKS":              strconv.FormatBool(o.HBaseCacheBlocks),
		"SYNC_DDL":                        strconv.FormatBool(o.SyncDDL),
		"DISABLE_CACHED_READS":            strconv.FormatBool(o.DisableCachedReads),
		"DISABLE_OUTERMOST_TOPN":          strconv.FormatBool(o.DisableOutermostTopN),
		"STRICT_MODE":                     strconv.FormatBool(o.StrictMode),
		"COMPRESSION_CODEC":               compressionNames[o.CompressionCodec],
		"EXPLAIN_LEVEL":                   explainNames[o.ExplainLevel],
		"DEBUG_ACTION":                    o.DebugAction,
		"REQUEST_POOL":                    o.RequestPool,
	}
}

// EffectiveQueryTimeoutS computes the effective idle-query timeout from a
// global default D and a per-query override Q: if both
// are positive use min(D, Q), otherwise use max(D, Q) (so setting either
// alone still works). A result of 0 disables expiration for the query.
func EffectiveQueryTimeoutS(globalDefault, perQuery int) int {
	if globalDefault > 0 && perQuery > 0 {
		if globalDefault < perQuery {
			return globalDefault
		}
		return perQuery
	}
	if globalDefault > perQuery {
		return globalDefault
	}
	return perQuery
}
