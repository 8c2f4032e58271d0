// Package retry holds the submission retry budget and the backoff used for
// chain reads.
package retry

// FailureCategory classifies a submission error.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

func (c FailureCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier maps an error to a category.
type Classifier func(err error) FailureCategory

// DefaultClassifier treats every error as transient. Both kinds consume the
// same budget, so a malformed payload takes maxRetries ticks to dead-letter.
func DefaultClassifier(error) FailureCategory {
	return CategoryTransient
}

// DefaultMaxRetries is the budget used when none is configured.
const DefaultMaxRetries = 10

// Policy decides whether a queued event may be submitted again.
type Policy struct {
	MaxRetries int
	Classifier Classifier
}

// NewPolicy returns a policy with the given budget. A non-positive budget
// falls back to DefaultMaxRetries.
func NewPolicy(maxRetries int) Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return Policy{MaxRetries: maxRetries, Classifier: DefaultClassifier}
}

// Exhausted reports whether an event with retryCount failed attempts is terminal.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Eligible is the inverse of Exhausted.
func (p Policy) Eligible(retryCount int) bool {
	return !p.Exhausted(retryCount)
}

// Classify runs the configured classifier.
func (p Policy) Classify(err error) FailureCategory {
	if p.Classifier == nil {
		return DefaultClassifier(err)
	}
	return p.Classifier(err)
}
