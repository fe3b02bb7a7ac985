package optname

const (
	ConnTimeout        = "connect-timeout"
	ForceHTTP2         = "force-http2"
	LoggingLevel       = "log-level"
	MaxThreads         = "max-threads"
	MinimumSegmentSize = "minimum-segment-size"
	ProgressInterval   = "progress-interval"
	Quiet              = "quiet"
	Resolve            = "resolve"
	Retries            = "retries"
	SavePath           = "save-path"
	SmallFileThreshold = "small-file-threshold"
	Verbose            = "verbose"
)
