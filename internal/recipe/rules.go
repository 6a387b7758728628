package recipe

import (
	"regexp"
	"strconv"
	"strings"

	"fixline/internal/domain"
)

const (
	UpgradeJavaVersion = "org.openrewrite.java.migrate.UpgradeJavaVersion"

	mavenNamespace = "org.openrewrite.maven"
	patternSuffix  = "Pattern"
)

// DefaultOptions are merged under every request's options.
func DefaultOptions() map[string]string {
	return map[string]string{
		"maximumUpgradeDelta": "minor",
		"overrideTransitive":  "true",
	}
}

// exactUpgrades accept exact coordinates only, never patterns.
var exactUpgrades = []string{"UpgradeParentVersion", "UpgradeDependencyVersion"}

// redundantWithJavaUpgrade duplicate what UpgradeJavaVersion already does.
var redundantWithJavaUpgrade = map[string]bool{
	"io.moderne.devcenter.JavaVersionUpgrade": true,
	"io.moderne.devcenter.LibraryUpgrade":     true,
	"org.openrewrite.maven.ChangeJavaVersion": true,
}

var aliases = map[string]string{
	"org.openrewrite.java.migrate.upgrade.UpgradeJavaVersion8to21": "org.openrewrite.java.migrate.UpgradeToJava21",
}

// Resolve maps deprecated recipe ids to their replacements.
func Resolve(id string) string {
	if to, ok := aliases[id]; ok {
		return to
	}
	return id
}

func canonicalKey(id, key string) string {
	if strings.Contains(id, mavenNamespace) && key == "version" {
		key = "newVersion"
	}
	for _, kind := range exactUpgrades {
		if strings.Contains(id, kind) && strings.HasSuffix(key, patternSuffix) {
			key = strings.TrimSuffix(key, patternSuffix)
			break
		}
	}
	return key
}

// Normalize rewrites raw option keys to the ones the recipe accepts and merges the result over
// DefaultOptions. Explicit values beat defaults, and a key given in canonical form beats one
// that was rewritten into it.
func Normalize(id string, raw map[string]string) map[string]string {
	out := DefaultOptions()
	explicit := make(map[string]bool, len(raw))
	for k, v := range raw {
		ck := canonicalKey(id, k)
		if ck != k && explicit[ck] {
			continue
		}
		out[ck] = v
		if ck == k {
			explicit[ck] = true
		}
	}
	return out
}

var numberToken = regexp.MustCompile(`\d+`)

// JavaVersion picks the target Java release named in goal: the highest of 21, 17 and 11 that
// appears as a number, otherwise 11.
func JavaVersion(goal string) string {
	best := 0
	for _, tok := range numberToken.FindAllString(goal, -1) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		switch n {
		case 11, 17, 21:
			if n > best {
				best = n
			}
		}
	}
	if best == 0 {
		return "11"
	}
	return strconv.Itoa(best)
}

// Fallbacks returns the requests injected ahead of suggested for goal. A Java goal gets
// UpgradeJavaVersion unless some suggestion already upgrades the Java version.
func Fallbacks(goal string, suggested []domain.TransformationRequest) []domain.TransformationRequest {
	if !strings.Contains(strings.ToLower(goal), "java") {
		return nil
	}
	for _, r := range suggested {
		if strings.Contains(r.ID, "UpgradeJavaVersion") {
			return nil
		}
	}
	return []domain.TransformationRequest{{
		ID:            UpgradeJavaVersion,
		Options:       map[string]string{"version": JavaVersion(goal)},
		Justification: "Injected for a Java version goal",
	}}
}

// IsRedundant reports whether id duplicates an UpgradeJavaVersion already present in list.
func IsRedundant(id string, list []domain.TransformationRequest) bool {
	if !redundantWithJavaUpgrade[id] {
		return false
	}
	for _, r := range list {
		if r.ID == UpgradeJavaVersion {
			return true
		}
	}
	return false
}
