package planner

import "github.com/FranksOps/prospect/internal/storage"

// stopWords are dropped before keywords are taken from a query.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "in": {}, "on": {},
	"for": {}, "with": {}, "to": {}, "at": {}, "by": {}, "from": {}, "that": {},
	"which": {}, "who": {}, "are": {}, "is": {}, "be": {}, "me": {}, "my": {},
	"find": {}, "show": {}, "list": {}, "get": {}, "search": {}, "looking": {},
	"companies": {}, "company": {}, "firms": {}, "firm": {}, "businesses": {},
	"organizations": {}, "all": {}, "any": {}, "some": {}, "their": {}, "its": {},
	"currently": {}, "now": {}, "recently": {},
}

// signalLexicon maps trigger words to the signal they indicate.
var signalLexicon = map[string]storage.SignalType{
	"hiring":     storage.SignalHiring,
	"hire":       storage.SignalHiring,
	"hires":      storage.SignalHiring,
	"recruiting": storage.SignalHiring,
	"jobs":       storage.SignalHiring,
	"careers":    storage.SignalHiring,
	"openings":   storage.SignalHiring,
	"headcount":  storage.SignalHiring,

	"funding": storage.SignalFunding,
	"funded":  storage.SignalFunding,
	"raised":  storage.SignalFunding,
	"raising": storage.SignalFunding,
	"series":  storage.SignalFunding,
	"seed":    storage.SignalFunding,
	"venture": storage.SignalFunding,
	"ipo":     storage.SignalFunding,

	"expanding": storage.SignalExpansion,
	"expansion": storage.SignalExpansion,
	"expand":    storage.SignalExpansion,
	"opening":   storage.SignalExpansion,
	"launching": storage.SignalExpansion,
	"entering":  storage.SignalExpansion,
	"growing":   storage.SignalExpansion,

	"investing":      storage.SignalTechAdoption,
	"invest":         storage.SignalTechAdoption,
	"adopting":       storage.SignalTechAdoption,
	"adoption":       storage.SignalTechAdoption,
	"implementing":   storage.SignalTechAdoption,
	"deploying":      storage.SignalTechAdoption,
	"migrating":      storage.SignalTechAdoption,
	"ai":             storage.SignalTechAdoption,
	"automation":     storage.SignalTechAdoption,
	"cloud":          storage.SignalTechAdoption,
	"transformation": storage.SignalTechAdoption,
}

// industryLexicon maps query words to a canonical industry name.
var industryLexicon = map[string]string{
	"pharma":          "pharma",
	"pharmaceutical":  "pharma",
	"pharmaceuticals": "pharma",
	"biotech":         "biotech",
	"biotechnology":   "biotech",
	"healthcare":      "healthcare",
	"medtech":         "medtech",
	"fintech":         "fintech",
	"banking":         "banking",
	"banks":           "banking",
	"insurance":       "insurance",
	"insurtech":       "insurance",
	"saas":            "saas",
	"software":        "software",
	"retail":          "retail",
	"ecommerce":       "ecommerce",
	"logistics":       "logistics",
	"manufacturing":   "manufacturing",
	"automotive":      "automotive",
	"energy":          "energy",
	"cybersecurity":   "cybersecurity",
	"telecom":         "telecom",
	"media":           "media",
	"edtech":          "edtech",
	"education":       "education",
}

// role is a job title the planner recognizes. leader is the decision maker
// to contact when the role is the one being hired for.
type role struct {
	tokens []string
	title  string
	leader string
}

// roleLexicon is matched longest-first against the singularized token stream.
var roleLexicon = []role{
	{tokens: []string{"vp", "of", "engineering"}, title: "VP of Engineering"},
	{tokens: []string{"vp", "of", "marketing"}, title: "VP of Marketing"},
	{tokens: []string{"vp", "of", "sale"}, title: "VP of Sales"},
	{tokens: []string{"vp", "of", "product"}, title: "VP of Product"},
	{tokens: []string{"head", "of", "data"}, title: "Head of Data"},
	{tokens: []string{"head", "of", "ai"}, title: "Head of AI"},
	{tokens: []string{"head", "of", "talent"}, title: "Head of Talent"},
	{tokens: []string{"director", "of", "engineering"}, title: "Director of Engineering"},
	{tokens: []string{"director", "of", "marketing"}, title: "Director of Marketing"},
	{tokens: []string{"machine", "learning", "engineer"}, title: "Machine Learning Engineer", leader: "Head of AI"},
	{tokens: []string{"data", "scientist"}, title: "Data Scientist", leader: "Head of Data Science"},
	{tokens: []string{"data", "engineer"}, title: "Data Engineer", leader: "Head of Data"},
	{tokens: []string{"software", "engineer"}, title: "Software Engineer", leader: "VP of Engineering"},
	{tokens: []string{"product", "manager"}, title: "Product Manager", leader: "VP of Product"},
	{tokens: []string{"account", "executive"}, title: "Account Executive", leader: "VP of Sales"},
	{tokens: []string{"ml", "engineer"}, title: "Machine Learning Engineer", leader: "Head of AI"},
	{tokens: []string{"cto"}, title: "CTO"},
	{tokens: []string{"ceo"}, title: "CEO"},
	{tokens: []string{"cfo"}, title: "CFO"},
	{tokens: []string{"cio"}, title: "CIO"},
	{tokens: []string{"cmo"}, title: "CMO"},
	{tokens: []string{"coo"}, title: "COO"},
	{tokens: []string{"founder"}, title: "Founder"},
}

// defaultDecisionMakers are contacted when a query names no leadership role.
var defaultDecisionMakers = map[storage.SignalType][]string{
	storage.SignalHiring:       {"Head of Talent"},
	storage.SignalFunding:      {"CEO", "CFO"},
	storage.SignalExpansion:    {"COO"},
	storage.SignalTechAdoption: {"CTO"},
	storage.SignalGeneric:      {"CEO"},
}
