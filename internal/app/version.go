package app

// Build-time variables set via -ldflags, for example:
//
//	go build -ldflags "-X github.com/large-farva/sentinel-bridge/internal/app.Version=v0.3.0" ./cmd/bridged
var (
	Version   = "dev"
	GoVersion = "unknown"
	BuiltAt   = "unknown"
)
