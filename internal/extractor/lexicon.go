package extractor

import "github.com/FranksOps/prospect/internal/storage"

// Source weights: structured data is trusted over prose.
const (
	WeightJSONLD = 0.9
	WeightMeta   = 0.7
	WeightSearch = 0.6
	WeightProse  = 0.5
)

// Keyword specificity.
const (
	SpecificPhrase = 1.0
	SingleKeyword  = 0.7
)

// trigger is a phrase that indicates a signal type.
type trigger struct {
	phrase string
	kind   storage.SignalType
	// firstPerson triggers are written by the page owner about itself.
	firstPerson bool
}

func (t trigger) specificity() float64 {
	for _, r := range t.phrase {
		if r == ' ' {
			return SpecificPhrase
		}
	}
	return SingleKeyword
}

// DefaultTriggers is the prose lexicon. Multi-word phrases score as specific.
var DefaultTriggers = []trigger{
	{phrase: "we are hiring", kind: storage.SignalHiring, firstPerson: true},
	{phrase: "we're hiring", kind: storage.SignalHiring, firstPerson: true},
	{phrase: "join our team", kind: storage.SignalHiring, firstPerson: true},
	{phrase: "open positions", kind: storage.SignalHiring, firstPerson: true},
	{phrase: "is hiring", kind: storage.SignalHiring},
	{phrase: "are hiring", kind: storage.SignalHiring},
	{phrase: "now hiring", kind: storage.SignalHiring},
	{phrase: "job openings", kind: storage.SignalHiring},
	{phrase: "hiring", kind: storage.SignalHiring},
	{phrase: "recruiting", kind: storage.SignalHiring},

	{phrase: "series a", kind: storage.SignalFunding},
	{phrase: "series b", kind: storage.SignalFunding},
	{phrase: "series c", kind: storage.SignalFunding},
	{phrase: "seed round", kind: storage.SignalFunding},
	{phrase: "funding round", kind: storage.SignalFunding},
	{phrase: "raised $", kind: storage.SignalFunding},
	{phrase: "raises $", kind: storage.SignalFunding},
	{phrase: "funding", kind: storage.SignalFunding},
	{phrase: "raised", kind: storage.SignalFunding},
	{phrase: "investors", kind: storage.SignalFunding},

	{phrase: "new office", kind: storage.SignalExpansion},
	{phrase: "new headquarters", kind: storage.SignalExpansion},
	{phrase: "expands into", kind: storage.SignalExpansion},
	{phrase: "expansion into", kind: storage.SignalExpansion},
	{phrase: "opens new", kind: storage.SignalExpansion},
	{phrase: "expansion", kind: storage.SignalExpansion},
	{phrase: "expanding", kind: storage.SignalExpansion},
	{phrase: "expands", kind: storage.SignalExpansion},

	{phrase: "artificial intelligence", kind: storage.SignalTechAdoption},
	{phrase: "machine learning", kind: storage.SignalTechAdoption},
	{phrase: "generative ai", kind: storage.SignalTechAdoption},
	{phrase: "digital transformation", kind: storage.SignalTechAdoption},
	{phrase: "cloud migration", kind: storage.SignalTechAdoption},
	{phrase: "investing in ai", kind: storage.SignalTechAdoption},
	{phrase: "ai", kind: storage.SignalTechAdoption},
	{phrase: "automation", kind: storage.SignalTechAdoption},
}

// nonNameWords are capitalized words that never start or form a company name
// on their own.
var nonNameWords = map[string]struct{}{
	"The": {}, "A": {}, "An": {}, "We": {}, "Our": {}, "Us": {}, "Today": {},
	"This": {}, "That": {}, "In": {}, "On": {}, "At": {}, "For": {}, "With": {},
	"And": {}, "Its": {}, "It": {}, "As": {}, "By": {}, "From": {}, "Join": {},
	"AI": {}, "CEO": {}, "CTO": {}, "CFO": {}, "COO": {}, "VP": {}, "Series": {},
	"Seed": {}, "Inc": {}, "Inc.": {}, "LLC": {}, "Ltd": {}, "Ltd.": {},
	"January": {}, "February": {}, "March": {}, "April": {}, "May": {}, "June": {},
	"July": {}, "August": {}, "September": {}, "October": {}, "November": {}, "December": {},
	"Monday": {}, "Tuesday": {}, "Wednesday": {}, "Thursday": {}, "Friday": {},
	"PRNewswire": {}, "Business": {}, "Wire": {}, "Newswire": {}, "LinkedIn": {},
	"Hiring": {}, "Careers": {}, "About": {}, "News": {}, "Press": {}, "Read": {}, "More": {},
	"Machine": {}, "Learning": {}, "Artificial": {}, "Intelligence": {},
	"Several": {}, "Many": {}, "Some": {}, "Most": {}, "All": {}, "If": {}, "When": {},
	"Why": {}, "How": {}, "What": {}, "Who": {}, "There": {}, "They": {}, "These": {},
	"Those": {}, "He": {}, "She": {}, "I": {}, "You": {}, "Your": {}, "Companies": {},
}

// aggregatorHosts publish pages about other companies; their site name and
// first-person copy never identify a prospect.
var aggregatorHosts = []string{
	"linkedin.com", "indeed.com", "glassdoor.com", "prnewswire.com",
	"businesswire.com", "globenewswire.com", "crunchbase.com", "google.com",
	"duckduckgo.com", "bing.com", "wikipedia.org", "twitter.com", "x.com",
	"facebook.com", "youtube.com", "medium.com", "techcrunch.com", "reuters.com",
	"bloomberg.com", "wellfound.com", "ziprecruiter.com", "greenhouse.io", "lever.co",
}
