package llm

import "strings"

// pricing is USD per 1M tokens.
type pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// priceTable is keyed by "provider/model". Unknown models fall back to
// defaultPricing so every call is metered even when the table lags behind
// new model releases.
var priceTable = map[string]pricing{
	"google/gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"google/gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
	"google/gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10.00},
	"google/gemini-embedding-001":  {InputPerM: 0.15, OutputPerM: 0},
}

var defaultPricing = pricing{InputPerM: 1.00, OutputPerM: 5.00}

// EstimateCost returns the estimated USD cost of a call. Hosted-mode calls
// carry the platform markup; BYO-key calls are billed at list price.
func EstimateCost(provider, model string, inputTokens, outputTokens int, hostedMarkup float64, hosted bool) float64 {
	p, ok := priceTable[provider+"/"+strings.ToLower(model)]
	if !ok {
		p = defaultPricing
	}
	cost := float64(inputTokens)/1e6*p.InputPerM + float64(outputTokens)/1e6*p.OutputPerM
	if hosted {
		cost *= 1 + hostedMarkup
	}
	return cost
}
