package internal

import "time"

const (
	DotEnvPath      = "./.env"
	ShutdownTimeout = 10 * time.Second
	RequestIDKey    = "request_id"
)
