package instruments

import "strconv"

// Reuters domain model numbers as used in dual-column instrument files.
const (
	DomainLogin                 = 1
	DomainSource                = 4
	DomainDictionary            = 5
	DomainMarketPrice           = 6
	DomainMarketByOrder         = 7
	DomainMarketByPrice         = 8
	DomainMarketMaker           = 9
	DomainSymbolList            = 10
	DomainServiceProviderStatus = 11
	DomainHistory               = 12
	DomainHeadline              = 13
	DomainStory                 = 14
	DomainTransaction           = 17
	DomainYieldCurve            = 22
	DomainContribution          = 27
	DomainProviderAdmin         = 29
	DomainAnalytics             = 30
	DomainReference             = 31
	DomainNewsTextAnalytics     = 33
	DomainSystem                = 127
)

var domainNames = map[int]string{
	DomainLogin:                 "Login",
	DomainSource:                "Source",
	DomainDictionary:            "Dictionary",
	DomainMarketPrice:           "MarketPrice",
	DomainMarketByOrder:         "MarketByOrder",
	DomainMarketByPrice:         "MarketByPrice",
	DomainMarketMaker:           "MarketMaker",
	DomainSymbolList:            "SymbolList",
	DomainServiceProviderStatus: "ServiceProviderStatus",
	DomainHistory:               "History",
	DomainHeadline:              "Headline",
	DomainStory:                 "Story",
	DomainTransaction:           "Transaction",
	DomainYieldCurve:            "YieldCurve",
	DomainContribution:          "Contribution",
	DomainProviderAdmin:         "ProviderAdmin",
	DomainAnalytics:             "Analytics",
	DomainReference:             "Reference",
	DomainNewsTextAnalytics:     "NewsTextAnalytics",
	DomainSystem:                "System",
}

// DomainName returns the domain model name for a domain number.
// Unknown numbers are returned as decimal text.
func DomainName(domain int) string {
	if name, ok := domainNames[domain]; ok {
		return name
	}
	return strconv.Itoa(domain)
}

// IsNumeric reports whether s is a non-empty string of ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
