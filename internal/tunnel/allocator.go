package tunnel

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// NormalizeSubdomain lowercases and trims a requested subdomain.
func NormalizeSubdomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateSubdomain checks syntax only; reserved-set policy lives in the
// Registry. Valid: 3-63 chars, lowercase alphanumerics and interior hyphens.
func ValidateSubdomain(s string) error {
	if len(s) < 3 || len(s) > 63 {
		return ErrSubdomainInvalid
	}
	if !subdomainRe.MatchString(s) {
		return ErrSubdomainInvalid
	}
	return nil
}

var subdomainAdjectives = []string{
	"amber", "bold", "brave", "calm", "clever", "cosmic", "crisp", "eager",
	"fancy", "fuzzy", "gentle", "happy", "jolly", "lively", "lucky", "mellow",
	"nimble", "polite", "quiet", "rapid", "shiny", "sturdy", "sunny", "swift",
	"tidy", "vivid", "warm", "witty", "zesty",
}

var subdomainNouns = []string{
	"aspen", "badger", "beacon", "canyon", "cedar", "comet", "coral", "falcon",
	"fjord", "garnet", "glacier", "harbor", "heron", "lagoon", "lantern",
	"maple", "meadow", "nebula", "otter", "pebble", "prairie", "raven",
	"ridge", "river", "sparrow", "summit", "tundra", "willow",
}

const randomSubdomainAttempts = 16

// RandomSubdomain draws adjective-noun-number names until one passes the
// taken check, falling back to a hex-suffixed name after a bounded number of
// collisions.
func RandomSubdomain(taken func(string) bool) string {
	for i := 0; i < randomSubdomainAttempts; i++ {
		name := fmt.Sprintf("%s-%s-%d",
			subdomainAdjectives[rand.Intn(len(subdomainAdjectives))],
			subdomainNouns[rand.Intn(len(subdomainNouns))],
			rand.Intn(1000))
		if taken == nil || !taken(name) {
			return name
		}
	}
	var suffix [4]byte
	_, _ = crand.Read(suffix[:])
	return fmt.Sprintf("%s-%s", subdomainNouns[rand.Intn(len(subdomainNouns))], hex.EncodeToString(suffix[:]))
}
