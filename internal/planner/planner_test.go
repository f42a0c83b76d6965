package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/storage"
)

func TestParseIntent_HiringQuery(t *testing.T) {
	intent, err := ParseIntent("Find pharma companies hiring data scientists")
	require.NoError(t, err)

	assert.Equal(t, []string{"pharma", "hiring", "data scientist"}, intent.Keywords)
	assert.Equal(t, []string{"pharma"}, intent.Industries)
	assert.Equal(t, []string{"Data Scientist"}, intent.Roles)
	assert.Equal(t, []storage.SignalType{storage.SignalHiring}, intent.SignalTypes)
}

func TestParseIntent_TechAdoption(t *testing.T) {
	intent, err := ParseIntent("find pharma companies investing in AI")
	require.NoError(t, err)

	assert.Equal(t, []string{"pharma", "investing", "ai"}, intent.Keywords)
	assert.Equal(t, []storage.SignalType{storage.SignalTechAdoption}, intent.SignalTypes)
	assert.Empty(t, intent.Roles)
}

func TestParseIntent_LeadershipRole(t *testing.T) {
	intent, err := ParseIntent("VP of Sales at fintech startups that raised a Series B")
	require.NoError(t, err)

	assert.Equal(t, []string{"VP of Sales"}, intent.Roles)
	assert.Equal(t, []string{"fintech"}, intent.Industries)
	assert.Contains(t, intent.SignalTypes, storage.SignalFunding)
}

func TestParseIntent_GenericFallback(t *testing.T) {
	intent, err := ParseIntent("logistics startups in Ohio")
	require.NoError(t, err)
	assert.Equal(t, []storage.SignalType{storage.SignalGeneric}, intent.SignalTypes)
}

func TestParseIntent_Rejects(t *testing.T) {
	for _, text := range []string{"", "   \t\n", "!!! ???", "find the companies"} {
		_, err := ParseIntent(text)
		var pe *PlanningError
		assert.True(t, errors.As(err, &pe), "expected PlanningError for %q, got %v", text, err)
	}
}

func TestPlan_HiringOperators(t *testing.T) {
	p := New(Config{})

	ops, intent, err := p.Plan("q1", "find pharma companies hiring data scientists", nil)
	require.NoError(t, err)
	require.NotEmpty(t, intent.Keywords)

	var operators []string
	for _, op := range ops {
		assert.Equal(t, "q1", op.QueryID)
		assert.Equal(t, "google", op.Provider)
		assert.Equal(t, PurposeDiscovery, op.Purpose)
		operators = append(operators, op.Operator)
	}
	assert.Equal(t, []string{
		`pharma hiring "data scientist"`,
		`site:linkedin.com/jobs pharma "data scientist"`,
		`intitle:careers pharma "data scientist"`,
	}, operators)
}

func TestPlan_PressWireForFunding(t *testing.T) {
	p := New(Config{})

	ops, _, err := p.Plan("q1", "biotech funding", nil)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "(site:prnewswire.com OR site:businesswire.com) biotech funding", ops[1].Operator)
}

func TestPlan_Deterministic(t *testing.T) {
	p := New(Config{Providers: []string{"google", "duckduckgo"}})

	first, _, err := p.Plan("q", "fintech companies hiring CTO and VP of Engineering", nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, _, err := p.Plan("q", "fintech companies hiring CTO and VP of Engineering", nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPlan_CapsPerProvider(t *testing.T) {
	p := New(Config{Providers: []string{"google", "duckduckgo"}, MaxPerProvider: 2})

	ops, _, err := p.Plan("q", "saas companies hiring CTO, CFO and data engineers after raising funding", nil)
	require.NoError(t, err)

	perProvider := map[string]int{}
	for _, op := range ops {
		perProvider[op.Provider]++
	}
	assert.Equal(t, map[string]int{"google": 2, "duckduckgo": 2}, perProvider)
}

func TestRemember_StaysWithinCap(t *testing.T) {
	p := New(Config{Providers: []string{"google", "duckduckgo"}, MaxPerProvider: 4})
	ops, _, err := p.Plan("q", "saas companies hiring CTO, CFO and data engineers after raising funding", nil)
	require.NoError(t, err)
	require.Len(t, ops, 8)

	remembered := []string{`"acme" careers`, ops[0].Operator, `"globex" funding`, `"initech" jobs`}
	merged := p.Remember(ops, remembered)

	perProvider := map[string][]string{}
	for _, op := range merged {
		perProvider[op.Provider] = append(perProvider[op.Provider], op.Operator)
		assert.Equal(t, "q", op.QueryID)
		assert.Equal(t, PurposeDiscovery, op.Purpose)
	}
	for _, prov := range []string{"google", "duckduckgo"} {
		got := perProvider[prov]
		require.Len(t, got, 4, prov)
		assert.Equal(t, []string{ops[0].Operator, ops[1].Operator, `"acme" careers`, `"globex" funding`}, got, prov)
	}
}

func TestRemember_FillsFreeSlots(t *testing.T) {
	p := New(Config{Providers: []string{"google"}, MaxPerProvider: 4})
	ops := []SearchOperation{{QueryID: "q", Operator: "pharma hiring", Provider: "google", Purpose: PurposeDiscovery}}

	merged := p.Remember(ops, []string{"a", "b", "c", "d"})
	var got []string
	for _, op := range merged {
		got = append(got, op.Operator)
	}
	assert.Equal(t, []string{"pharma hiring", "a", "b", "c"}, got)
	assert.Equal(t, ops, p.Remember(ops, nil))
}

func TestPlan_MergesPriorIntent(t *testing.T) {
	p := New(Config{})
	prior := &storage.ParsedIntent{
		Keywords:    []string{"pharma", "cto"},
		Roles:       []string{"CTO"},
		SignalTypes: []storage.SignalType{storage.SignalGeneric},
	}

	_, intent, err := p.Plan("q", "pharma hiring", prior)
	require.NoError(t, err)
	assert.Equal(t, []string{"pharma", "cto", "hiring"}, intent.Keywords)
	assert.Equal(t, []string{"CTO"}, intent.Roles)
	assert.Equal(t, []storage.SignalType{storage.SignalHiring}, intent.SignalTypes)
}

func TestPlan_EmptyText(t *testing.T) {
	ops, _, err := New(Config{}).Plan("q", " ", nil)
	var pe *PlanningError
	require.ErrorAs(t, err, &pe)
	assert.Nil(t, ops)
}

func TestContactAndDomainOperations(t *testing.T) {
	assert.Equal(t, `site:linkedin.com/in/ "Acme Pharma" "Head of Data Science"`, ContactOperation("Acme Pharma", "Head of Data Science"))
	assert.Equal(t, `"Acme Pharma" official site`, DomainOperation(`Acme "Pharma"`))
}

func TestDecisionMakers(t *testing.T) {
	hiring, _ := ParseIntent("pharma hiring data scientists")
	assert.Equal(t, []string{"Head of Data Science"}, DecisionMakers(hiring))

	leaders, _ := ParseIntent("CTO and CFO at banks")
	assert.Equal(t, []string{"CTO", "CFO"}, DecisionMakers(leaders))

	funding, _ := ParseIntent("biotech funding")
	assert.Equal(t, []string{"CEO", "CFO"}, DecisionMakers(funding))

	generic, _ := ParseIntent("logistics startups")
	assert.Equal(t, []string{"CEO"}, DecisionMakers(generic))
}
