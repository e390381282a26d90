package domain

import "time"

// UsageLog is written once per successful pre-warm job.
type UsageLog struct {
	JobID            string
	ObjectKey        string
	VariantsRendered int
	CacheHits        int
	PixelsProcessed  int64
	BytesSaved       int64
	ComputeTimeMS    int64
	CreatedAt        time.Time
}
