// Package analysis holds the pure text logic of batch analysis: cluster keys,
// keyword filtering, reply cleaning and bounded context building.
package analysis

import (
	"sort"
	"strings"

	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// ClusterKeySeparator joins the two identities of a participant cluster key.
const ClusterKeySeparator = " ↔ "

// CanonicalKey renders an unordered participant pair as "A ↔ B" with the
// lexicographically smaller identity first.
func CanonicalKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ClusterKeySeparator + b
}

// canonicalPair returns the pair in CanonicalKey order.
func canonicalPair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// GroupByParticipants groups emails by their unordered (sender, receiver) pair.
// Emails missing either side are ignored. Returns clusters sorted by
// (MemberCount DESC, Key ASC); empty slice for empty input (never nil).
func GroupByParticipants(emails []*models.Email) []models.ClusterRef {
	groups := make(map[string]*models.ClusterRef)
	for _, e := range emails {
		if e.Sender == "" || e.Receiver == "" {
			continue
		}
		key := CanonicalKey(e.Sender, e.Receiver)
		ref, ok := groups[key]
		if !ok {
			ref = &models.ClusterRef{
				Kind:         models.ClusterKindPeople,
				Key:          key,
				Participants: canonicalPair(e.Sender, e.Receiver),
			}
			groups[key] = ref
		}
		ref.MemberCount++
	}
	return sortedClusters(groups)
}

// GroupBySubject groups emails by their exact subject line.
// Emails with an empty subject are ignored.
func GroupBySubject(emails []*models.Email) []models.ClusterRef {
	groups := make(map[string]*models.ClusterRef)
	for _, e := range emails {
		if e.Subject == "" {
			continue
		}
		ref, ok := groups[e.Subject]
		if !ok {
			ref = &models.ClusterRef{Kind: models.ClusterKindSubjects, Key: e.Subject}
			groups[e.Subject] = ref
		}
		ref.MemberCount++
	}
	return sortedClusters(groups)
}

// BelongsTo reports whether e is a member of cluster ref.
func BelongsTo(e *models.Email, ref models.ClusterRef) bool {
	switch ref.Kind {
	case models.ClusterKindPeople:
		if e.Sender == "" || e.Receiver == "" {
			return false
		}
		return canonicalPair(e.Sender, e.Receiver) == ref.Participants
	case models.ClusterKindSubjects:
		return e.Subject == ref.Key
	}
	return false
}

// MatchesKeyword reports whether subject contains any keyword, ignoring case.
func MatchesKeyword(subject string, keywords []string) bool {
	lower := strings.ToLower(subject)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// FilterByKeywords drops emails whose subject matches a keyword and returns the
// kept emails in source order together with the number excluded.
func FilterByKeywords(emails []*models.Email, keywords []string) ([]*models.Email, int) {
	kept := make([]*models.Email, 0, len(emails))
	excluded := 0
	for _, e := range emails {
		if MatchesKeyword(e.Subject, keywords) {
			excluded++
			continue
		}
		kept = append(kept, e)
	}
	return kept, excluded
}

func sortedClusters(groups map[string]*models.ClusterRef) []models.ClusterRef {
	clusters := make([]models.ClusterRef, 0, len(groups))
	for _, ref := range groups {
		clusters = append(clusters, *ref)
	}
	SortClusters(clusters)
	return clusters
}

// SortClusters orders clusters by (MemberCount DESC, Key ASC) in place.
func SortClusters(clusters []models.ClusterRef) {
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].MemberCount != clusters[j].MemberCount {
			return clusters[i].MemberCount > clusters[j].MemberCount
		}
		return clusters[i].Key < clusters[j].Key
	})
}
