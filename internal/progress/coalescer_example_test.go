package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/jmpumuro/judex/internal/loop/looptest"
)

// ExampleCoalescer_Merge shows a burst of updates reaching the sink as one patch.
func ExampleCoalescer_Merge() {
	sched := looptest.New(time.Time{})
	sink := SinkFunc(func(_ context.Context, entityID string, p Patch) error {
		fmt.Printf("%s progress=%.0f stage=%s\n", entityID, *p.Progress, *p.CurrentStage)
		return nil
	})
	c := NewCoalescer(Config{}, sched, sink)

	c.Merge("video-1", Patch{Progress: Float(12), CurrentStage: String("yolo26_vision")})
	c.Merge("video-1", Patch{Progress: Float(14)})
	c.Merge("video-1", Patch{Progress: Float(17)})
	sched.Advance(DefaultFlushDelay)
	// Output:
	// video-1 progress=17 stage=yolo26_vision
}
