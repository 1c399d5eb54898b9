package cache

// Tier identifies one stage of the derivation pipeline. Each tier of a
// resource is stored under its own key.
type Tier int

const (
	TierRaw Tier = iota
	TierDecoded
	TierNormalized
)

var tierSuffixes = [...]string{
	TierRaw:        "",
	TierDecoded:    "/arrayBuffer",
	TierNormalized: "/audioBuffer",
}

var tierNames = [...]string{
	TierRaw:        "raw",
	TierDecoded:    "decoded",
	TierNormalized: "normalized",
}

func (t Tier) Suffix() string {
	if t < TierRaw || t > TierNormalized {
		return ""
	}
	return tierSuffixes[t]
}

func (t Tier) String() string {
	if t < TierRaw || t > TierNormalized {
		return "unknown"
	}
	return tierNames[t]
}

// ResourceKey namespaces a source URL. The URL is kept verbatim so two
// distinct URLs never share a key under one namespace.
func ResourceKey(namespace, sourceURL string) string {
	return namespace + "/" + sourceURL
}

func TierKey(resourceKey string, tier Tier) string {
	return resourceKey + tier.Suffix()
}
