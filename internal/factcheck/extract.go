package factcheck

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/faults"
	"github.com/ent0n29/cj/internal/universe"
)

var (
	numberRe = regexp.MustCompile(`(?i)(\$\s?)?\b(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?(?:(k|m|bn)\b|\s?(thousand|million|billion)\b)?(\s?%)?`)

	// "<category> tickets: 14" and "14 <category> tickets".
	categoryLabelFirstRe = regexp.MustCompile(`(?i)((?:\b[a-z][a-z-]*\s+){1,3})tickets?\b\s*(?::|=|-|were|was|are|is|at|of|totaled|totalled)?\s*(\d{1,3}(?:,\d{3})+|\d+)\b`)
	categoryCountFirstRe = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)\s+((?:[a-z][a-z-]*\s+){1,3}?)tickets?\b`)

	namedCustomerRe = regexp.MustCompile(`\b(?i:customer|client|account)s?\s+(?i:named\s+|called\s+)?([A-Z][\w&'-]*(?:\s+[A-Z][\w&'-]*){0,3})`)

	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sept?(?:ember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)

	wordRe = regexp.MustCompile(`(?i)[a-z][a-z-]*`)

	// Units that make a number a change or multiple rather than a level.
	relativeUnitRe = regexp.MustCompile(`(?i)^\s*(?:points?|pts|bps|basis\s+points|times|x)\b`)
	percentWordRe  = regexp.MustCompile(`(?i)^\s*(?:percent|per\s+cent|pct)\b`)
)

// percentMetrics are metrics stated as percentages.
var percentMetrics = map[string]bool{"csat": true}

func isPercentMetric(key string) bool {
	for _, suffix := range []string{"_rate", "_share", "_pct", "_percent", "_ratio"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return percentMetrics[key]
}

// fillers never name a ticket category on their own.
var fillers = map[string]bool{
	"a": true, "about": true, "all": true, "also": true, "an": true, "and": true,
	"are": true, "around": true, "closed": true, "fewer": true, "for": true,
	"got": true, "had": true, "has": true, "have": true, "i": true,
	"including": true, "is": true, "just": true, "last": true, "logged": true,
	"many": true, "mentioning": true, "more": true, "new": true, "of": true,
	"only": true, "open": true, "or": true, "our": true, "over": true,
	"overnight": true, "pending": true, "plus": true, "received": true,
	"resolved": true, "saw": true, "some": true, "support": true, "the": true,
	"their": true, "there": true, "they": true, "this": true, "today": true,
	"total": true, "urgent": true, "was": true, "we": true, "week": true,
	"were": true, "with": true, "yesterday": true, "you": true, "your": true,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

type candidateKind int

const (
	candNumber candidateKind = iota
	candCategory
	candKnownCustomer
	candNamedCustomer
	candDate
)

// candidate is a raw span found by scanning. Turning it into a Claim is the
// fallible step and runs in isolation.
type candidate struct {
	kind       candidateKind
	start, end int
	sub        []int
	// category candidates carry the cleaned name and the count span.
	name                 string
	valueStart, valueEnd int
	monthName            bool
}

func (c candidate) overlaps(o candidate) bool {
	return c.start < o.end && o.start < c.end
}

// binding ties a number candidate to the metric phrase naming it.
type binding struct {
	key        string
	start, end int
}

type phrase struct {
	re  *regexp.Regexp
	key string
}

// Checker extracts claims and matches them against a snapshot. It is pure
// apart from logging and safe for concurrent use.
type Checker struct {
	thresholds Thresholds
	logger     *zap.Logger

	// beforeMatch runs ahead of each candidate; tests use it to inject faults.
	beforeMatch func(text string)
}

func NewChecker(th Thresholds, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{thresholds: th.normalized(), logger: logger}
}

func (c *Checker) Thresholds() Thresholds { return c.thresholds }

// Extract finds claims without matching them; every claim is UNVERIFIED.
func (c *Checker) Extract(reply string, snap *universe.Snapshot) []Claim {
	cands := scan(reply, snap)
	out := make([]Claim, 0, len(cands))
	for _, cd := range cands {
		out = append(out, unverifiedClaim(reply, cd))
	}
	return out
}

// Check extracts and matches claims. A fault on one claim downgrades only
// that claim. When ctx ends, remaining claims stay UNVERIFIED.
func (c *Checker) Check(ctx context.Context, reply string, snap *universe.Snapshot) ([]Claim, []Issue, int) {
	if snap == nil {
		snap = (&universe.Snapshot{}).Normalize()
	}
	cands := scan(reply, snap)
	bound := bindLabels(reply, cands, compilePhrases(snap))

	claims := make([]Claim, 0, len(cands))
	var issues []Issue
	faultCount := 0
	for i, cd := range cands {
		if ctx.Err() != nil {
			for _, rest := range cands[i:] {
				claims = append(claims, unverifiedClaim(reply, rest))
			}
			break
		}
		claim, issue, err := c.matchIsolated(reply, cd, bound[i], snap)
		if err != nil {
			faultCount++
			fault := &faults.ClaimExtractionFault{ClaimText: reply[cd.start:cd.end], Cause: err}
			c.logger.Warn("claim downgraded", zap.Error(fault))
			claim = unverifiedClaim(reply, cd)
		}
		claims = append(claims, claim)
		if issue != nil {
			issues = append(issues, *issue)
		}
	}
	return claims, issues, faultCount
}

func (c *Checker) matchIsolated(reply string, cd candidate, label *binding, snap *universe.Snapshot) (claim Claim, issue *Issue, err error) {
	defer func() {
		if r := recover(); r != nil {
			claim, issue, err = Claim{}, nil, fmt.Errorf("panic: %v", r)
		}
	}()
	if c.beforeMatch != nil {
		c.beforeMatch(reply[cd.start:cd.end])
	}
	switch cd.kind {
	case candCategory:
		return c.matchCategory(reply, cd, snap)
	case candKnownCustomer, candNamedCustomer:
		return c.matchCustomer(reply, cd, snap)
	case candDate:
		return c.matchDate(reply, cd, snap)
	default:
		return c.matchMetric(reply, cd, label, snap)
	}
}

func (c *Checker) matchMetric(reply string, cd candidate, label *binding, snap *universe.Snapshot) (Claim, *Issue, error) {
	value, err := parseAmount(reply, cd.sub)
	if err != nil {
		return Claim{}, nil, err
	}
	claim := unverifiedClaim(reply, cd)
	claim.Claimed = formatNumber(value)

	if label == nil {
		return claim, nil, nil
	}
	start, end := min(label.start, cd.start), max(label.end, cd.end)
	claim.Kind = KindMetric
	claim.Subject = label.key
	claim.Text = reply[start:end]
	claim.Start, claim.End = start, end

	expected, _ := snap.Metric(label.key)
	return c.grade(claim, value, expected)
}

func (c *Checker) matchCategory(reply string, cd candidate, snap *universe.Snapshot) (Claim, *Issue, error) {
	value, err := parseCount(reply[cd.valueStart:cd.valueEnd])
	if err != nil {
		return Claim{}, nil, err
	}
	claim := unverifiedClaim(reply, cd)
	claim.Kind = KindMetric
	claim.Claimed = formatNumber(value)

	words := strings.Fields(strings.ToLower(cd.name))
	for i := range words {
		name := strings.Join(words[i:], " ")
		if expected, ok := snap.TicketCategory(name); ok {
			claim.Subject = "tickets:" + name
			return c.grade(claim, value, expected)
		}
	}

	claim.Subject = "tickets:" + strings.Join(words, " ")
	if !snap.TicketCategoriesExhaustive {
		return claim, nil, nil
	}
	claim.Verification = Incorrect
	claim.Fabricated = true
	claim.Expected = "no such ticket category"
	return claim, &Issue{
		Severity: SeverityCritical,
		Claim:    claim.Text,
		Expected: claim.Expected,
		Actual:   cd.name,
	}, nil
}

func (c *Checker) matchCustomer(reply string, cd candidate, snap *universe.Snapshot) (Claim, *Issue, error) {
	claim := unverifiedClaim(reply, cd)
	claim.Kind = KindCustomer
	claim.Subject = claim.Text
	claim.Claimed = claim.Text

	if snap.HasCustomer(claim.Text) {
		claim.Verification = Verified
		claim.Expected = claim.Text
		return claim, nil, nil
	}
	if !snap.CustomersExhaustive {
		return claim, nil, nil
	}
	claim.Verification = Incorrect
	claim.Fabricated = true
	claim.Expected = "no such customer"
	return claim, &Issue{
		Severity: SeverityCritical,
		Claim:    claim.Text,
		Expected: claim.Expected,
		Actual:   claim.Text,
	}, nil
}

func (c *Checker) matchDate(reply string, cd candidate, snap *universe.Snapshot) (Claim, *Issue, error) {
	claim := unverifiedClaim(reply, cd)
	claim.Kind = KindTimeline
	claim.Claimed = claim.Text

	event, expected, ok := findEvent(reply, cd, snap)
	if !ok {
		return claim, nil, nil
	}
	stated, err := parseDate(reply, cd, expected.Year())
	if err != nil {
		return Claim{}, nil, err
	}
	claim.Subject = event
	claim.Claimed = stated.Format(time.DateOnly)
	claim.Expected = expected.Format(time.DateOnly)

	days := int(math.Round(stated.Sub(truncateDay(expected)).Hours() / 24))
	if days == 0 {
		claim.Verification = Verified
		return claim, nil, nil
	}
	claim.Verification = Incorrect
	return claim, &Issue{
		Severity: TimelineSeverity(days),
		Claim:    claim.Text,
		Expected: claim.Expected,
		Actual:   claim.Claimed,
	}, nil
}

func (c *Checker) grade(claim Claim, value, expected float64) (Claim, *Issue, error) {
	dev := Deviation(value, expected)
	claim.Expected = formatNumber(expected)
	claim.DeviationPct = math.Round(dev*100) / 100
	claim.Verification = c.thresholds.Classify(dev)
	if claim.Verification != Incorrect {
		return claim, nil, nil
	}
	return claim, &Issue{
		Severity: c.thresholds.Severity(dev),
		Claim:    claim.Text,
		Expected: claim.Expected,
		Actual:   claim.Claimed,
	}, nil
}

func unverifiedClaim(reply string, cd candidate) Claim {
	kind := KindGeneral
	switch cd.kind {
	case candCategory:
		kind = KindMetric
	case candKnownCustomer, candNamedCustomer:
		kind = KindCustomer
	case candDate:
		kind = KindTimeline
	}
	return Claim{
		Text:         reply[cd.start:cd.end],
		Kind:         kind,
		Start:        cd.start,
		End:          cd.end,
		Verification: Unverified,
	}
}

// scan finds candidate spans in priority order: dates, ticket categories,
// customers, then bare numbers. Later spans never overlap earlier ones.
func scan(reply string, snap *universe.Snapshot) []candidate {
	var out []candidate
	add := func(cd candidate) bool {
		for _, o := range out {
			if cd.overlaps(o) {
				return false
			}
		}
		out = append(out, cd)
		return true
	}

	for _, m := range isoDateRe.FindAllStringSubmatchIndex(reply, -1) {
		add(candidate{kind: candDate, start: m[0], end: m[1], sub: m})
	}
	for _, m := range monthDateRe.FindAllStringSubmatchIndex(reply, -1) {
		add(candidate{kind: candDate, start: m[0], end: m[1], sub: m, monthName: true})
	}

	for _, m := range categoryLabelFirstRe.FindAllStringSubmatchIndex(reply, -1) {
		if cd, ok := categoryCandidate(reply, m[2], m[3], m[4], m[5], m[1]); ok {
			add(cd)
		}
	}
	for _, m := range categoryCountFirstRe.FindAllStringSubmatchIndex(reply, -1) {
		if cd, ok := categoryCandidate(reply, m[4], m[5], m[2], m[3], m[1]); ok {
			cd.start = m[0]
			add(cd)
		}
	}

	if snap != nil {
		for _, name := range snap.Customers {
			if strings.TrimSpace(name) == "" {
				continue
			}
			re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(name)) + `\b`)
			for _, m := range re.FindAllStringIndex(reply, -1) {
				add(candidate{kind: candKnownCustomer, start: m[0], end: m[1]})
			}
		}
	}
	var metricPhrases map[string]string
	if snap != nil {
		metricPhrases = snap.MetricPhrases()
	}
	for _, m := range namedCustomerRe.FindAllStringSubmatchIndex(reply, -1) {
		name := reply[m[2]:m[3]]
		if _, isMetric := metricPhrases[strings.ToLower(name)]; isMetric || len(name) < 2 {
			continue
		}
		add(candidate{kind: candNamedCustomer, start: m[2], end: m[3]})
	}

	for _, m := range numberRe.FindAllStringSubmatchIndex(reply, -1) {
		add(candidate{kind: candNumber, start: m[0], end: m[1], sub: m})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// categoryCandidate strips leading filler words from the category phrase at
// [ps, pe). The claim span starts at the first remaining word.
func categoryCandidate(reply string, ps, pe, vs, ve, end int) (candidate, bool) {
	words := wordRe.FindAllStringIndex(reply[ps:pe], -1)
	first := -1
	for i, w := range words {
		if !fillers[strings.ToLower(reply[ps+w[0]:ps+w[1]])] {
			first = i
			break
		}
	}
	if first < 0 {
		return candidate{}, false
	}
	start := ps + words[first][0]
	name := strings.Join(strings.Fields(reply[start:pe]), " ")
	return candidate{
		kind:       candCategory,
		start:      min(start, vs),
		end:        end,
		name:       name,
		valueStart: vs,
		valueEnd:   ve,
	}, true
}

func compilePhrases(snap *universe.Snapshot) []phrase {
	raw := snap.MetricPhrases()
	keys := make([]string, 0, len(raw))
	for p := range raw {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	out := make([]phrase, 0, len(keys))
	for _, p := range keys {
		words := strings.Fields(p)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		out = append(out, phrase{
			re:  regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`),
			key: raw[p],
		})
	}
	return out
}

// bindLabels assigns metric phrases to number candidates. A phrase span
// names at most one number, the closest one. Percentages only name percent
// metrics, year-like numbers need the phrase right after them, and changes
// ("3 points", "2x") name nothing.
func bindLabels(reply string, cands []candidate, phrases []phrase) map[int]*binding {
	out := make(map[int]*binding)
	owner := make(map[[2]int]int)
	dist := make(map[int]int)
	for i, cd := range cands {
		if cd.kind != candNumber {
			continue
		}
		percent, yearLike, relative := numberShape(reply, cd)
		if relative {
			continue
		}
		allowed := func(key string) bool { return !percent || isPercentMetric(key) }
		b, d, ok := findLabel(reply, cd, cands, phrases, allowed, yearLike)
		if !ok {
			continue
		}
		span := [2]int{b.start, b.end}
		if j, taken := owner[span]; taken {
			if dist[j] <= d {
				continue
			}
			delete(out, j)
		}
		owner[span] = i
		dist[i] = d
		out[i] = b
	}
	return out
}

func numberShape(reply string, cd candidate) (percent, yearLike, relative bool) {
	g := func(i int) string {
		if cd.sub[2*i] < 0 {
			return ""
		}
		return reply[cd.sub[2*i]:cd.sub[2*i+1]]
	}
	rest := reply[cd.end:]
	percent = g(6) != "" || percentWordRe.MatchString(rest)
	relative = !percent && relativeUnitRe.MatchString(rest)
	if g(1) == "" && g(3) == "" && g(4) == "" && g(5) == "" && !percent && len(g(2)) == 4 {
		if y, err := strconv.Atoi(g(2)); err == nil && y >= 1900 && y <= 2100 {
			yearLike = true
		}
	}
	return percent, yearLike, relative
}

// findLabel looks for a metric phrase right after the number ("1,290
// subscribers"), then earlier in the same clause ("MRR is $48,000"). It
// returns the phrase and its distance in bytes from the number.
func findLabel(reply string, cd candidate, all []candidate, phrases []phrase, allowed func(string) bool, adjacentOnly bool) (*binding, int, bool) {
	prevEnd, nextStart := 0, len(reply)
	for _, o := range all {
		if o.kind != candNumber && o.end <= cd.start && o.end > prevEnd {
			prevEnd = o.end
		}
		if o.start >= cd.end && o.start < nextStart {
			nextStart = o.start
		}
	}

	maxGap := 2
	if adjacentOnly {
		maxGap = 0
	}
	after := reply[cd.end:min(nextStart, cd.end+60)]
	if i := strings.IndexAny(after, ".;!?\n,:()"); i >= 0 {
		after = after[:i]
	}
	bestStart, bestKey, bestEnd := -1, "", 0
	for _, p := range phrases {
		if !allowed(p.key) {
			continue
		}
		loc := p.re.FindStringIndex(after)
		if loc == nil || len(strings.Fields(after[:loc[0]])) > maxGap {
			continue
		}
		if bestStart < 0 || loc[0] < bestStart {
			bestStart, bestEnd, bestKey = loc[0], loc[1], p.key
		}
	}
	if bestStart >= 0 {
		return &binding{key: bestKey, start: cd.end + bestStart, end: cd.end + bestEnd}, bestStart, true
	}
	if adjacentOnly {
		return nil, 0, false
	}

	lo := max(prevEnd, cd.start-80)
	before := reply[lo:cd.start]
	if i := strings.LastIndexAny(before, ".;!?\n"); i >= 0 {
		lo += i + 1
		before = before[i+1:]
	}
	bestStart, bestEnd = -1, -1
	for _, p := range phrases {
		if !allowed(p.key) {
			continue
		}
		locs := p.re.FindAllStringIndex(before, -1)
		if len(locs) == 0 {
			continue
		}
		loc := locs[len(locs)-1]
		if len(strings.Fields(before[loc[1]:])) > 6 {
			continue
		}
		if loc[1] > bestEnd {
			bestStart, bestEnd, bestKey = loc[0], loc[1], p.key
		}
	}
	if bestStart >= 0 {
		return &binding{key: bestKey, start: lo + bestStart, end: lo + bestEnd}, len(before) - bestEnd, true
	}
	return nil, 0, false
}

// findEvent matches the sentence before a date against timeline event names.
// Every word of the event name must start a word of the sentence, so
// "launched the product" matches product_launch.
func findEvent(reply string, cd candidate, snap *universe.Snapshot) (string, time.Time, bool) {
	before := reply[:cd.start]
	if i := strings.LastIndexAny(before, ".;!?\n"); i >= 0 {
		before = before[i+1:]
	}
	sentence := strings.Fields(strings.ToLower(wordsOnly(before)))

	names := make([]string, 0, len(snap.Timeline))
	for name := range snap.Timeline {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestWords := "", 0
	for _, name := range names {
		parts := strings.Split(name, "_")
		if len(parts) <= bestWords || !allPrefixed(parts, sentence) {
			continue
		}
		best, bestWords = name, len(parts)
	}
	if best == "" {
		return "", time.Time{}, false
	}
	at, _ := snap.Event(best)
	return best, at, true
}

func allPrefixed(parts, words []string) bool {
	for _, p := range parts {
		found := false
		for _, w := range words {
			if strings.HasPrefix(w, p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func wordsOnly(s string) string {
	return strings.Join(wordRe.FindAllString(s, -1), " ")
}

func parseDate(reply string, cd candidate, fallbackYear int) (time.Time, error) {
	g := func(i int) string {
		if cd.sub[2*i] < 0 {
			return ""
		}
		return reply[cd.sub[2*i]:cd.sub[2*i+1]]
	}
	if !cd.monthName {
		t, err := time.Parse(time.DateOnly, reply[cd.start:cd.end])
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date: %w", err)
		}
		return t, nil
	}
	month, ok := months[strings.ToLower(g(1))[:3]]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown month %q", g(1))
	}
	day, err := strconv.Atoi(g(2))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day: %w", err)
	}
	year := fallbackYear
	if y := g(3); y != "" {
		if year, err = strconv.Atoi(y); err != nil {
			return time.Time{}, fmt.Errorf("parse year: %w", err)
		}
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("day %d out of range for %s", day, month)
	}
	return t, nil
}

func parseAmount(reply string, sub []int) (float64, error) {
	g := func(i int) string {
		if sub[2*i] < 0 {
			return ""
		}
		return reply[sub[2*i]:sub[2*i+1]]
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(g(2), ",", "")+g(3), 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount: %w", err)
	}
	switch strings.ToLower(g(4) + g(5)) {
	case "k", "thousand":
		v *= 1e3
	case "m", "million":
		v *= 1e6
	case "bn", "billion":
		v *= 1e9
	}
	return v, nil
}

func parseCount(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return v, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
