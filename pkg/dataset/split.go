package dataset

import (
	"sort"
	"strings"
)

// SplitTrainValid partitions item names using the configured test prefixes.
//
// Prefixes are tried in configuration order against four rules, most
// specific first, and a prefix stops taking part once a rule matches it:
//  1. the prefix equals an item name;
//  2. the prefix equals the part of an item name after its last ':'
//     (every such item is taken);
//  3. an item name starts with the prefix (only the first such item in
//     sorted order is taken);
//  4. the part after the last ':' starts with the prefix (every such item).
//
// Prefixes matching nothing are ignored. Both results are sorted.
func SplitTrainValid(itemNames []string, prefixes []string) (train, valid []string) {
	names := append([]string(nil), itemNames...)
	sort.Strings(names)

	exists := make(map[string]struct{}, len(names))
	for _, n := range names {
		exists[n] = struct{}{}
	}

	remaining := dedupe(prefixes)
	validSet := make(map[string]struct{})

	remaining = consume(remaining, func(prefix string) bool {
		if _, ok := exists[prefix]; ok {
			validSet[prefix] = struct{}{}
			return true
		}
		return false
	})

	remaining = consume(remaining, func(prefix string) bool {
		matched := false
		for _, n := range names {
			if baseName(n) == prefix {
				validSet[n] = struct{}{}
				matched = true
			}
		}
		return matched
	})

	remaining = consume(remaining, func(prefix string) bool {
		for _, n := range names {
			if strings.HasPrefix(n, prefix) {
				validSet[n] = struct{}{}
				return true
			}
		}
		return false
	})

	for _, prefix := range remaining {
		for _, n := range names {
			if strings.HasPrefix(baseName(n), prefix) {
				validSet[n] = struct{}{}
			}
		}
	}

	valid = make([]string, 0, len(validSet))
	train = make([]string, 0, len(names)-len(validSet))
	for _, n := range names {
		if _, ok := validSet[n]; ok {
			valid = append(valid, n)
		} else {
			train = append(train, n)
		}
	}
	return train, valid
}

// consume applies match to every prefix and returns those that did not match.
func consume(prefixes []string, match func(string) bool) []string {
	var left []string
	for _, p := range prefixes {
		if !match(p) {
			left = append(left, p)
		}
	}
	return left
}

func dedupe(prefixes []string) []string {
	seen := make(map[string]struct{}, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// baseName strips the speaker tag from an item name.
func baseName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}
