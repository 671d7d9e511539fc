package runner

import (
	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/gateway"
)

// Usage totals come back under slightly different names depending on the
// gateway build; each canonical field tries its aliases in order.
var (
	inputAliases     = []string{"inputTokens", "input_tokens", "input"}
	outputAliases    = []string{"outputTokens", "output_tokens", "output"}
	cacheReadAliases = []string{"cacheReadTokens", "cache_read_tokens", "cacheRead"}
	totalAliases     = []string{"totalTokens", "total_tokens", "total"}
)

// DiffUsage computes what one run consumed from the snapshots taken around
// it. Counters are cumulative per session, so the diff clamps at zero in
// case the session was rotated between snapshots.
func DiffUsage(in, out *gateway.UsageSnapshot) *backend.Usage {
	if out == nil {
		return nil
	}

	usage := &backend.Usage{
		InputTokens:     diffTotal(in, out, inputAliases),
		OutputTokens:    diffTotal(in, out, outputAliases),
		CacheReadTokens: diffTotal(in, out, cacheReadAliases),
		TotalTokens:     diffTotal(in, out, totalAliases),
	}

	if len(out.ByModel) > 0 {
		m := out.ByModel[0]
		usage.Model = m.Model
		if m.Provider != "" {
			usage.Model = m.Provider + "/" + m.Model
		}
	}

	return usage
}

func diffTotal(in, out *gateway.UsageSnapshot, aliases []string) int64 {
	d := lookupTotal(out, aliases) - lookupTotal(in, aliases)
	if d < 0 {
		return 0
	}
	return d
}

func lookupTotal(snap *gateway.UsageSnapshot, aliases []string) int64 {
	if snap == nil {
		return 0
	}
	for _, key := range aliases {
		if v, ok := snap.Totals[key]; ok {
			return v
		}
	}
	return 0
}
