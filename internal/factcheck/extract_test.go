package factcheck

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/cj/internal/universe"
)

func mrrSnapshot() *universe.Snapshot {
	return (&universe.Snapshot{
		Metrics: map[string]float64{"mrr": 48000, "subscribers": 1290},
	}).Normalize()
}

func check(t *testing.T, c *Checker, reply string, snap *universe.Snapshot) ([]Claim, []Issue, int) {
	t.Helper()
	claims, issues, faults := c.Check(context.Background(), reply, snap)
	for _, cl := range claims {
		require.Equal(t, cl.Text, reply[cl.Start:cl.End], "claim text must be a substring of the reply")
	}
	return claims, issues, faults
}

func TestCheckMRRVerified(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	claims, issues, _ := check(t, c, "Our MRR is $48,000 with 1,290 subscribers", mrrSnapshot())

	require.Len(t, claims, 2)
	assert.Empty(t, issues)
	assert.Equal(t, "mrr", claims[0].Subject)
	assert.Equal(t, "MRR is $48,000", claims[0].Text)
	assert.Equal(t, "subscribers", claims[1].Subject)
	assert.Equal(t, "1,290 subscribers", claims[1].Text)
	for _, cl := range claims {
		assert.Equal(t, Verified, cl.Verification, "claim %q", cl.Text)
		assert.Equal(t, KindMetric, cl.Kind)
	}
}

func TestCheckMRRIncorrectIsMajor(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	claims, issues, _ := check(t, c, "Our MRR is $75,000", mrrSnapshot())

	require.Len(t, claims, 1)
	assert.Equal(t, Incorrect, claims[0].Verification)
	assert.Equal(t, 56.25, claims[0].DeviationPct)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityMajor, issues[0].Severity)
	assert.Equal(t, "48000", issues[0].Expected)
	assert.Equal(t, "75000", issues[0].Actual)
}

func TestCheckGreyBandAndMissingFieldStayUnverified(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)

	claims, issues, _ := check(t, c, "MRR came in at $57,600.", mrrSnapshot())
	require.Len(t, claims, 1)
	assert.Equal(t, Unverified, claims[0].Verification, "twenty percent off is neither close nor clearly wrong")
	assert.Empty(t, issues)

	claims, issues, _ = check(t, c, "Your NPS is 72 this quarter.", mrrSnapshot())
	require.Len(t, claims, 1)
	assert.Equal(t, KindGeneral, claims[0].Kind)
	assert.Equal(t, Unverified, claims[0].Verification)
	assert.Empty(t, issues)
}

func TestCheckScaledAmounts(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	claims, issues, _ := check(t, c, "MRR is 48k.", mrrSnapshot())
	require.Len(t, claims, 1)
	assert.Equal(t, "48000", claims[0].Claimed)
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Empty(t, issues)
}

func TestCheckNumbersNearMetricThatAreNotTheMetric(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	cases := []struct {
		name  string
		reply string
		other string
	}{
		{"percentage", "Our MRR grew 20% to $48,000", "20%"},
		{"year", "In 2024 our MRR is $48,000", "2024"},
		{"delta", "MRR is up 3 points, now $48,000", "3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, issues, _ := check(t, c, tc.reply, mrrSnapshot())
			assert.Empty(t, issues)
			require.Len(t, claims, 2)

			var mrr, other *Claim
			for i := range claims {
				if claims[i].Subject == "mrr" {
					mrr = &claims[i]
				} else {
					other = &claims[i]
				}
			}
			require.NotNil(t, mrr, "the $48,000 figure must be matched to mrr")
			require.NotNil(t, other)
			assert.Equal(t, Verified, mrr.Verification)
			assert.Equal(t, "48000", mrr.Claimed)
			assert.Equal(t, tc.other, other.Text)
			assert.Equal(t, Unverified, other.Verification)
			assert.Equal(t, KindGeneral, other.Kind)
			assert.False(t, mrr.Start < other.End && other.Start < mrr.End, "claims must not overlap")
		})
	}
}

func TestCheckPhraseNamesOnlyTheClosestNumber(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	claims, issues, _ := check(t, c, "MRR is $48,000, up from $30,000", mrrSnapshot())

	require.Len(t, claims, 2)
	assert.Empty(t, issues)
	assert.Equal(t, "mrr", claims[0].Subject)
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Equal(t, "", claims[1].Subject)
	assert.Equal(t, Unverified, claims[1].Verification)
}

func TestCheckPercentMatchesPercentMetric(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	snap := (&universe.Snapshot{Metrics: map[string]float64{"churn_rate": 3, "mrr": 48000}}).Normalize()

	claims, issues, _ := check(t, c, "Churn rate is 3% and MRR is $48,000", snap)
	require.Len(t, claims, 2)
	assert.Empty(t, issues)
	assert.Equal(t, "churn_rate", claims[0].Subject)
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Equal(t, "mrr", claims[1].Subject)
	assert.Equal(t, Verified, claims[1].Verification)
}

func TestCheckYearFollowedByPhraseIsACount(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	snap := (&universe.Snapshot{Metrics: map[string]float64{"subscribers": 2000}}).Normalize()

	claims, _, _ := check(t, c, "You now have 2000 subscribers.", snap)
	require.Len(t, claims, 1)
	assert.Equal(t, "subscribers", claims[0].Subject)
	assert.Equal(t, Verified, claims[0].Verification)
}

func TestCheckTicketCategories(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	reply := "Overnight you had unicorn delivery tickets: 14 and shipping delay tickets: 31."

	open := (&universe.Snapshot{
		TicketCategories: map[string]float64{"shipping delay": 31, "refund": 12},
	}).Normalize()
	claims, issues, _ := check(t, c, reply, open)
	require.Len(t, claims, 2)
	assert.Equal(t, "unicorn delivery tickets: 14", claims[0].Text)
	assert.Equal(t, Unverified, claims[0].Verification)
	assert.Equal(t, Verified, claims[1].Verification)
	assert.Empty(t, issues)

	closed := *open
	closed.TicketCategoriesExhaustive = true
	claims, issues, _ = check(t, c, reply, &closed)
	require.Len(t, claims, 2)
	assert.Equal(t, Incorrect, claims[0].Verification)
	assert.True(t, claims[0].Fabricated)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityCritical, issues[0].Severity)
	assert.Equal(t, "unicorn delivery", issues[0].Actual)
}

func TestCheckCountFirstCategory(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	snap := (&universe.Snapshot{
		TicketCategories:           map[string]float64{"refund": 12},
		TicketCategoriesExhaustive: true,
	}).Normalize()

	claims, issues, _ := check(t, c, "We logged 12 new refund tickets.", snap)
	require.Len(t, claims, 1)
	assert.Equal(t, "refund tickets", strings.TrimPrefix(claims[0].Text, "12 new "))
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Empty(t, issues)
}

func TestCheckCustomers(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	snap := (&universe.Snapshot{
		Customers:           []string{"Acme Outfitters", "Blue Fern Tea"},
		CustomersExhaustive: true,
	}).Normalize()

	claims, issues, _ := check(t, c, "Acme Outfitters opened three tickets, and customer Globex Industries escalated.", snap)
	require.Len(t, claims, 2)
	assert.Equal(t, KindCustomer, claims[0].Kind)
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Equal(t, "Globex Industries", claims[1].Text)
	assert.Equal(t, Incorrect, claims[1].Verification)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityCritical, issues[0].Severity)

	snap.CustomersExhaustive = false
	_, issues, _ = check(t, c, "Customer Globex Industries escalated.", snap)
	assert.Empty(t, issues)
}

func TestCheckTimeline(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	snap := (&universe.Snapshot{
		Timeline: map[string]time.Time{"product_launch": time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
	}).Normalize()

	claims, issues, _ := check(t, c, "The product launch was on 2024-03-05.", snap)
	require.Len(t, claims, 1)
	assert.Equal(t, KindTimeline, claims[0].Kind)
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Empty(t, issues)

	claims, issues, _ = check(t, c, "We launched the product on March 9.", snap)
	require.Len(t, claims, 1)
	assert.Equal(t, Incorrect, claims[0].Verification)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityMajor, issues[0].Severity)
	assert.Equal(t, "2024-03-05", issues[0].Expected)
	assert.Equal(t, "2024-03-09", issues[0].Actual)

	claims, issues, _ = check(t, c, "Your renewal is on 2024-04-01.", snap)
	require.Len(t, claims, 1)
	assert.Equal(t, Unverified, claims[0].Verification)
	assert.Empty(t, issues)
}

func TestCheckIsolatesClaimFaults(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	c.beforeMatch = func(text string) {
		if strings.Contains(text, "1,290") {
			panic("extractor exploded")
		}
	}

	claims, issues, faults := check(t, c, "Our MRR is $48,000 with 1,290 subscribers", mrrSnapshot())
	require.Len(t, claims, 2)
	assert.Equal(t, 1, faults)
	assert.Equal(t, Verified, claims[0].Verification)
	assert.Equal(t, Unverified, claims[1].Verification)
	assert.Empty(t, issues)
}

func TestCheckStopsMatchingWhenContextEnds(t *testing.T) {
	c := NewChecker(DefaultThresholds(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claims, issues, _ := c.Check(ctx, "Our MRR is $75,000", mrrSnapshot())
	require.Len(t, claims, 1)
	assert.Equal(t, Unverified, claims[0].Verification)
	assert.Empty(t, issues)
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		dev  float64
		want Verification
	}{
		{0, Verified},
		{10, Verified},
		{10.5, Unverified},
		{25, Unverified},
		{25.1, Incorrect},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, th.Classify(tc.dev), "Classify(%v)", tc.dev)
	}

	assert.Equal(t, SeverityMinor, th.Severity(30))
	assert.Equal(t, SeverityMajor, th.Severity(56.25))
	assert.Equal(t, SeverityCritical, th.Severity(150))

	assert.Equal(t, SeverityMinor, TimelineSeverity(-2))
	assert.Equal(t, SeverityMajor, TimelineSeverity(14))
	assert.Equal(t, SeverityCritical, TimelineSeverity(90))

	assert.Equal(t, 100.0, Deviation(5, 0))
	assert.Equal(t, 0.0, Deviation(0, 0))
}

func TestCacheKeyDependsOnSnapshotVersion(t *testing.T) {
	a := CacheKey("Our MRR is $48,000", "v1")
	assert.Equal(t, a, CacheKey("Our MRR is $48,000", "v1"))
	assert.NotEqual(t, a, CacheKey("Our MRR is $48,000", "v2"))
	assert.NotEqual(t, a, CacheKey("Our MRR is $48,001", "v1"))
}
