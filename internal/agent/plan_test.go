package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsApprovalMessage(t *testing.T) {
	cases := []struct {
		name     string
		message  string
		approval bool
	}{
		{"structured prefix", approvalPrefix + "\n\n1. Do the thing", true},
		{"bare approved", "Approved", true},
		{"approve", "approve", true},
		{"yes implement", "Yes, please implement it", true},
		{"go ahead", "go ahead", true},
		{"lgtm", "LGTM", true},
		{"looks good", "looks good to me", true},
		{"sounds good", "Sounds good!", true},
		{"ship it", "ship it", true},
		{"do it", "do it", true},
		{"proceed", "proceed with the plan", true},
		{"leading whitespace", "  approved, thanks", true},
		{"question", "What would the plan look like?", false},
		{"rejection", "No, change step two first", false},
		{"approval mid-sentence", "I have not approved this yet", false},
		{"plain request", "Add a dark mode toggle", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.approval, isApprovalMessage(tc.message))
		})
	}
}

func TestApprovedPlan(t *testing.T) {
	body := "1. Create the component\n2. Wire the route"

	assert.Equal(t, body, approvedPlan(approvalPrefix+"\n\n"+body))
	assert.Empty(t, approvedPlan("go ahead"), "loose approval carries no plan body")
	assert.Empty(t, approvedPlan("unrelated message"))
}

func TestPlanSteps(t *testing.T) {
	plan := `Here is the plan:

1. Create src/components/Toggle.jsx
2) Wire it into the App header
3: Persist the choice to localStorage

- Update the README
* Run the test suite
• Ship

Some closing prose that is not a step.`

	steps := planSteps(plan)

	require.Len(t, steps, 6)
	assert.Equal(t, "Create src/components/Toggle.jsx", steps[0])
	assert.Equal(t, "Wire it into the App header", steps[1])
	assert.Equal(t, "Persist the choice to localStorage", steps[2])
	assert.Equal(t, "Update the README", steps[3])
	assert.Equal(t, "Run the test suite", steps[4])
	assert.Equal(t, "Ship", steps[5])
}

func TestPlanSteps_StripsEmphasisMarkers(t *testing.T) {
	steps := planSteps("1. **Bold step**\n2. `code step`\n3. _quiet step_")

	require.Len(t, steps, 3)
	assert.Equal(t, "Bold step", steps[0])
	assert.Equal(t, "code step", steps[1])
	assert.Equal(t, "quiet step", steps[2])
}

func TestPlanSteps_NoStepsInProse(t *testing.T) {
	assert.Empty(t, planSteps("I changed the file as requested."))
	assert.Empty(t, planSteps(""))
}

func TestLooksLikePlan(t *testing.T) {
	cases := []struct {
		name    string
		content string
		isPlan  bool
	}{
		{"numbered run", "1. First\n2. Second", true},
		{"bulleted run", "- one\n- two\n- three", true},
		{"blank line does not break run", "1. First\n\n2. Second", true},
		{"prose resets run", "1. First\nThen I thought about it.\n2. Second", false},
		{"single step", "1. Only step", false},
		{"prose only", "The change is done.", false},
		{"empty", "", false},
		{"intro then steps", "Plan:\n\n1. A\n2. B", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.isPlan, looksLikePlan(tc.content))
		})
	}
}
