package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMulti_FansOutAndStamps(t *testing.T) {
	var got []Event
	collect := SinkFunc(func(_ context.Context, ev Event) { got = append(got, ev) })
	m := Multi{collect, nil, collect}

	m.Emit(context.Background(), Event{Type: TaskSucceeded, TaskID: "t1"})
	assert.Len(t, got, 2)
	assert.False(t, got[0].At.IsZero(), "自动补全事件时间")
	assert.Equal(t, "t1", got[1].TaskID)

	OrNoop(nil).Emit(context.Background(), Event{Type: TaskParked})
}
