//go:build property
// +build property

package bus_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/pulse/pkg/bus"
	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

var priorities = []contracts.Priority{
	contracts.PriorityCritical,
	contracts.PriorityHigh,
	contracts.PriorityMedium,
	contracts.PriorityLow,
}

// TestDrainOrdering verifies drains deliver in (rank, timestamp) order with
// ties kept in emission order.
// Property: for any emission sequence, delivered[i] <= delivered[i+1]
func TestDrainOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	properties.Property("drain order is rank then timestamp then emission", prop.ForAll(
		func(ranks []int, offsets []int) bool {
			n := min(len(ranks), len(offsets))
			b := bus.New()

			type seen struct {
				rank int
				at   time.Time
				seq  int
			}
			var got []seen
			b.Handle(contracts.EventDataUpdated, func(_ context.Context, env contracts.EventEnvelope) error {
				seq, _ := strconv.Atoi(env.CorrelationID)
				got = append(got, seen{rank: env.Priority.Rank(), at: env.Timestamp, seq: seq})
				return nil
			})

			for i := 0; i < n; i++ {
				env := contracts.EventEnvelope{
					Type:          contracts.EventDataUpdated,
					Timestamp:     base.Add(time.Duration(offsets[i]) * time.Second),
					UserID:        "u1",
					SourceModule:  "property",
					Priority:      priorities[ranks[i]],
					CorrelationID: strconv.Itoa(i),
				}
				if err := b.Emit(context.Background(), env); err != nil {
					return false
				}
			}
			if b.Drain(context.Background()) != n || len(got) != n {
				return false
			}
			for i := 1; i < n; i++ {
				prev, cur := got[i-1], got[i]
				switch {
				case prev.rank < cur.rank:
				case prev.rank > cur.rank:
					return false
				case prev.at.Before(cur.at):
				case prev.at.After(cur.at):
					return false
				case prev.seq > cur.seq:
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(-5, 5)),
	))

	properties.TestingRun(t)
}
