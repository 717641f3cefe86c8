// Package keyword implements the Keyword Classifier: a deterministic,
// offline first-stage scorer.
package keyword

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mailpipe/worker/internal/mail"
	"github.com/mailpipe/worker/internal/models"
)

// Thresholds tied to the weighted-hit scoring scheme.
const (
	subscriptionKeywordWeight = 0.15
	billingKeywordWeight      = 0.10
	servicePatternWeight      = 0.30
	amountPatternWeight       = 0.20

	// IsSubscriptionThreshold is the confidence above which a row is
	// considered a subscription by the keyword stage alone.
	IsSubscriptionThreshold = 0.4
)

var subscriptionKeywords = []string{
	"subscription", "billing", "invoice", "receipt", "payment received",
	"payment confirmation", "payment successful", "renew", "renewal",
	"auto-pay", "autopay", "membership", "premium", "plan upgraded",
	"plan downgraded", "recurring charge", "monthly charge",
	"annual charge", "yearly charge", "charged", "statement",
	"payment method", "card ending", "trial ending", "trial ends",
	"cancel subscription",
}

var billingKeywords = []string{
	"billing", "subscriptions", "payments", "invoices", "receipts",
	"finance", "accounts-payable", "membership",
}

// servicePatterns map a regex to the service name it identifies. Order is
// significant: the first match wins and sets the service name.
var servicePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Netflix", regexp.MustCompile(`(?i)netflix`)},
	{"Spotify", regexp.MustCompile(`(?i)spotify`)},
	{"Amazon Prime", regexp.MustCompile(`(?i)amazon prime`)},
	{"Disney+", regexp.MustCompile(`(?i)disney\+?`)},
	{"Hulu", regexp.MustCompile(`(?i)hulu`)},
	{"YouTube Premium", regexp.MustCompile(`(?i)youtube premium`)},
	{"Apple", regexp.MustCompile(`(?i)apple\.com|apple music|icloud`)},
	{"Google", regexp.MustCompile(`(?i)google (one|workspace|play)`)},
	{"Adobe", regexp.MustCompile(`(?i)adobe`)},
	{"Microsoft 365", regexp.MustCompile(`(?i)microsoft ?365|office ?365`)},
	{"GitHub", regexp.MustCompile(`(?i)github`)},
	{"Dropbox", regexp.MustCompile(`(?i)dropbox`)},
	{"Gym", regexp.MustCompile(`(?i)gym membership|fitness membership`)},
}

var amountPattern = regexp.MustCompile(`\$\s?(\d+(?:,\d{3})*(?:\.\d{2})?)`)

var yearlyWords = []string{"annual", "yearly", "per year"}
var weeklyWords = []string{"weekly", "per week"}

// Result is the Keyword Classifier's output.
type Result struct {
	IsSubscription bool
	Confidence     float64
	ServiceName    string
	Amount         *float64
	Currency       string
	BillingCycle   models.BillingCycle
}

// Classify scores a Mail Row deterministically by summing weighted keyword
// hits across subject, body, and sender.
func Classify(row mail.Message) Result {
	haystack := strings.ToLower(strings.Join([]string{row.Subject, row.BodyText, row.BodyHTML, row.SenderEmail}, " "))

	score := 0.0
	for _, kw := range subscriptionKeywords {
		score += float64(strings.Count(haystack, kw)) * subscriptionKeywordWeight
	}
	for _, kw := range billingKeywords {
		score += float64(strings.Count(haystack, kw)) * billingKeywordWeight
	}

	var serviceName string
	for _, sp := range servicePatterns {
		if sp.re.MatchString(haystack) {
			serviceName = sp.name
			score += servicePatternWeight
			break
		}
	}

	var amount *float64
	if m := amountPattern.FindStringSubmatch(haystack); m != nil {
		if v, err := parseAmount(m[1]); err == nil {
			amount = &v
			score += amountPatternWeight
		}
	}

	cycle := models.BillingCycleMonthly
	switch {
	case containsAny(haystack, yearlyWords):
		cycle = models.BillingCycleYearly
	case containsAny(haystack, weeklyWords):
		cycle = models.BillingCycleWeekly
	}

	confidence := score
	if confidence > 1 {
		confidence = 1
	}

	return Result{
		IsSubscription: confidence > IsSubscriptionThreshold,
		Confidence:     confidence,
		ServiceName:    serviceName,
		Amount:         amount,
		Currency:       "USD",
		BillingCycle:   cycle,
	}
}

func containsAny(haystack string, words []string) bool {
	for _, w := range words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}

func parseAmount(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}
