package config

import "strings"

// MatchPattern matches str against a shell-like pattern supporting '*'
// (any run of characters) and '?' (exactly one character). It is a direct
// reimplementation of the original MAGIC policy engine's custom matcher,
// which deliberately avoided libc fnmatch() so the same code runs
// identically regardless of platform locale settings.
func MatchPattern(pattern, str string) bool {
	return matchPattern([]rune(pattern), []rune(str))
}

func matchPattern(pattern, str []rune) bool {
	if len(pattern) == 0 {
		return len(str) == 0
	}
	switch pattern[0] {
	case '*':
		// '*' matches zero or more characters: try consuming 0..len(str).
		for i := 0; i <= len(str); i++ {
			if matchPattern(pattern[1:], str[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(str) == 0 {
			return false
		}
		return matchPattern(pattern[1:], str[1:])
	default:
		if len(str) == 0 || str[0] != pattern[0] {
			return false
		}
		return matchPattern(pattern[1:], str[1:])
	}
}

// AltitudeRange is one {min,max} bound parsed from an Altitude AVP string;
// -1 on either end means "no bound on that side".
type AltitudeRange struct {
	Min int32
	Max int32
}

// ParsedAltitudeSpec is the parsed form of an Altitude AVP value (ARINC 839
// §1.1.1.6.4.2): a possibly-blacklisted, comma-separated set of ranges.
// Formats: "<lo>-<hi>", "-<hi>", "<lo>-", a bare number (point range), and
// an optional "not " blacklist prefix on the whole list.
type ParsedAltitudeSpec struct {
	Blacklist bool
	Ranges    []AltitudeRange
}

// ParseAltitudeSpec parses the Altitude AVP string. An empty string means
// "all altitudes admitted" (zero ranges, not a blacklist).
func ParseAltitudeSpec(s string) ParsedAltitudeSpec {
	var spec ParsedAltitudeSpec
	if s == "" {
		return spec
	}
	if strings.HasPrefix(s, "not ") {
		spec.Blacklist = true
		s = s[4:]
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		min, max := int32(-1), int32(-1)
		dashIdx := strings.IndexByte(tok, '-')
		switch {
		case dashIdx < 0:
			v := atoi32(tok)
			min, max = v, v
		case dashIdx == 0:
			max = atoi32(tok[1:])
		case dashIdx == len(tok)-1:
			min = atoi32(tok[:dashIdx])
		default:
			min = atoi32(tok[:dashIdx])
			max = atoi32(tok[dashIdx+1:])
		}
		spec.Ranges = append(spec.Ranges, AltitudeRange{Min: min, Max: max})
	}
	return spec
}

// Admits reports whether altitudeFt is admitted by the spec: a whitelist
// admits when altitudeFt falls in any range (or there are no ranges at
// all); a blacklist admits when altitudeFt falls in none of the ranges.
func (p ParsedAltitudeSpec) Admits(altitudeFt float64) bool {
	if len(p.Ranges) == 0 {
		return true
	}
	inAny := false
	for _, r := range p.Ranges {
		lowOK := r.Min == -1 || altitudeFt >= float64(r.Min)
		highOK := r.Max == -1 || altitudeFt <= float64(r.Max)
		if lowOK && highOK {
			inAny = true
			break
		}
	}
	if p.Blacklist {
		return !inAny
	}
	return inAny
}

func atoi32(s string) int32 {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var v int32
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int32(c-'0')
	}
	if neg {
		v = -v
	}
	return v
}

// ParsedAirportSpec is a comma-separated airport-code whitelist/blacklist,
// following the same "not " prefix convention as altitude.
type ParsedAirportSpec struct {
	Blacklist bool
	Codes     []string
}

// ParseAirportSpec parses the Airport AVP string.
func ParseAirportSpec(s string) ParsedAirportSpec {
	var spec ParsedAirportSpec
	if s == "" {
		return spec
	}
	if strings.HasPrefix(s, "not ") {
		spec.Blacklist = true
		s = s[4:]
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			spec.Codes = append(spec.Codes, tok)
		}
	}
	return spec
}

// Admits reports whether the airport code is admitted by the spec.
func (p ParsedAirportSpec) Admits(code string) bool {
	if len(p.Codes) == 0 {
		return true
	}
	found := false
	for _, c := range p.Codes {
		if strings.EqualFold(c, code) {
			found = true
			break
		}
	}
	if p.Blacklist {
		return !found
	}
	return found
}
