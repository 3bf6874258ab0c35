package utils

import (
	"context"
	"fmt"
	"log"

	"github.com/cockroachdb/logtags"
)

const (
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// Logf writes a log line tagged with the level and with the log tags
// carried by ctx, e.g. "[INFO] [group=roads,region=4] split done".
func Logf(ctx context.Context, level string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if tags := logtags.FromContext(ctx); tags != nil {
		log.Printf("[%s] [%s] %s", level, tags.String(), msg)
		return
	}
	log.Printf("[%s] %s", level, msg)
}

// WithGroup tags ctx with a distribution group name.
func WithGroup(ctx context.Context, group string) context.Context {
	return logtags.AddTag(ctx, "group", group)
}

// WithRegion tags ctx with a group and region id.
func WithRegion(ctx context.Context, group string, regionID int64) context.Context {
	return logtags.AddTag(WithGroup(ctx, group), "region", regionID)
}
