package utils

import (
	"testing"
	"time"

	"propreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func stepWithID(id uint, edges ...models.StepEdge) models.Step {
	return models.Step{
		Model: gorm.Model{ID: id},
		Edges: edges,
	}
}

func edgeTo(target uint, condition string) models.StepEdge {
	return models.StepEdge{TargetStepID: target, Condition: condition}
}

func TestValidateStepGraph(t *testing.T) {
	tests := []struct {
		name    string
		steps   []models.Step
		wantErr error
	}{
		{
			name:    "empty graph",
			steps:   nil,
			wantErr: ErrNoSteps,
		},
		{
			name:  "single step no edges",
			steps: []models.Step{stepWithID(1)},
		},
		{
			name: "linear chain",
			steps: []models.Step{
				stepWithID(1, edgeTo(2, "")),
				stepWithID(2, edgeTo(3, "")),
				stepWithID(3),
			},
		},
		{
			name: "branching on condition",
			steps: []models.Step{
				stepWithID(1, edgeTo(2, "no_reply"), edgeTo(3, "opened")),
				stepWithID(2),
				stepWithID(3),
			},
		},
		{
			name: "self loop",
			steps: []models.Step{
				stepWithID(1, edgeTo(1, "")),
			},
			wantErr: ErrStepCycle,
		},
		{
			name: "two step cycle",
			steps: []models.Step{
				stepWithID(1, edgeTo(2, "")),
				stepWithID(2, edgeTo(1, "no_reply")),
			},
			wantErr: ErrStepCycle,
		},
		{
			name: "longer cycle behind a valid prefix",
			steps: []models.Step{
				stepWithID(1, edgeTo(2, "")),
				stepWithID(2, edgeTo(3, "")),
				stepWithID(3, edgeTo(4, "")),
				stepWithID(4, edgeTo(2, "")),
			},
			wantErr: ErrStepCycle,
		},
		{
			name: "dangling edge",
			steps: []models.Step{
				stepWithID(1, edgeTo(99, "")),
			},
			wantErr: ErrDanglingEdge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStepGraph(tt.steps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEntryStep(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	a := stepWithID(5)
	a.CreatedAt = base.Add(time.Hour)
	b := stepWithID(3)
	b.CreatedAt = base
	c := stepWithID(7)
	c.CreatedAt = base.Add(2 * time.Hour)

	entry := EntryStep([]models.Step{a, b, c})
	require.NotNil(t, entry)
	assert.Equal(t, uint(3), entry.ID)

	// Equal timestamps tie-break on the lower ID
	d := stepWithID(2)
	d.CreatedAt = base
	entry = EntryStep([]models.Step{a, b, d})
	require.NotNil(t, entry)
	assert.Equal(t, uint(2), entry.ID)

	assert.Nil(t, EntryStep(nil))
}

func TestEdgeMatches(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		condition string
		recipient models.CampaignRecipient
		want      bool
	}{
		{
			name:      "unconditional always matches",
			condition: "",
			recipient: models.CampaignRecipient{RepliedAt: &now, OpenedAt: &now},
			want:      true,
		},
		{
			name:      "no_reply matches when not replied",
			condition: "no_reply",
			recipient: models.CampaignRecipient{},
			want:      true,
		},
		{
			name:      "no_reply rejects a replied recipient",
			condition: "no_reply",
			recipient: models.CampaignRecipient{RepliedAt: &now},
			want:      false,
		},
		{
			name:      "opened matches an opened recipient",
			condition: "opened",
			recipient: models.CampaignRecipient{OpenedAt: &now},
			want:      true,
		},
		{
			name:      "opened rejects an unopened recipient",
			condition: "opened",
			recipient: models.CampaignRecipient{},
			want:      false,
		},
		{
			name:      "unknown condition never matches",
			condition: "clicked",
			recipient: models.CampaignRecipient{OpenedAt: &now},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EdgeMatches(models.StepEdge{Condition: tt.condition}, tt.recipient)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextEdge(t *testing.T) {
	now := time.Now()
	edges := []models.StepEdge{
		{TargetStepID: 2, Condition: "opened"},
		{TargetStepID: 3, Condition: "no_reply"},
		{TargetStepID: 4, Condition: ""},
	}

	// Unopened, unreplied: first match is the no_reply edge
	edge := NextEdge(edges, models.CampaignRecipient{})
	require.NotNil(t, edge)
	assert.Equal(t, uint(3), edge.TargetStepID)

	// Opened takes the first edge
	edge = NextEdge(edges, models.CampaignRecipient{OpenedAt: &now})
	require.NotNil(t, edge)
	assert.Equal(t, uint(2), edge.TargetStepID)

	// Replied but unopened: skips both conditionals, falls to unconditional
	edge = NextEdge(edges, models.CampaignRecipient{RepliedAt: &now})
	require.NotNil(t, edge)
	assert.Equal(t, uint(4), edge.TargetStepID)

	// No edge at all means the sequence ends here
	assert.Nil(t, NextEdge(nil, models.CampaignRecipient{}))

	// Replied with only conditional no_reply edges: nothing matches
	assert.Nil(t, NextEdge([]models.StepEdge{
		{TargetStepID: 2, Condition: "no_reply"},
	}, models.CampaignRecipient{RepliedAt: &now}))
}

func TestDeferredEdge(t *testing.T) {
	now := time.Now()
	edges := []models.StepEdge{
		{TargetStepID: 2, Condition: "opened"},
		{TargetStepID: 3, Condition: "no_reply"},
	}

	// An unmatched opened edge is worth waiting on
	edge := DeferredEdge(edges, models.CampaignRecipient{RepliedAt: &now})
	require.NotNil(t, edge)
	assert.Equal(t, uint(2), edge.TargetStepID)

	// An already-opened recipient has nothing pending to wait on
	assert.Nil(t, DeferredEdge(edges, models.CampaignRecipient{OpenedAt: &now}))

	// no_reply can only become false with time, never true, so it does not
	// defer
	assert.Nil(t, DeferredEdge([]models.StepEdge{
		{TargetStepID: 3, Condition: "no_reply"},
	}, models.CampaignRecipient{RepliedAt: &now}))

	assert.Nil(t, DeferredEdge(nil, models.CampaignRecipient{}))
}

func TestStepEdgeDelay(t *testing.T) {
	e := models.StepEdge{DelayDays: 2, DelayHours: 3, DelayMinutes: 30}
	assert.Equal(t, 51*time.Hour+30*time.Minute, e.Delay())

	assert.Equal(t, time.Duration(0), models.StepEdge{}.Delay())
}
