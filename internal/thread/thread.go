// Package thread assigns stable conversation identifiers to messages.
//
// The carried thread-id header is the primary path: it is designed to
// survive intermediaries that strip standard In-Reply-To/References
// headers. Messages that lack it (legacy traffic, aggressive gateways)
// fall back to a normalized-subject-plus-participant heuristic. The two
// paths are modeled as an ordered strategy pipeline composed by
// first-non-trivial-result.
package thread

import (
	"context"
	"regexp"
	"strings"
)

// Meta is the minimal view of a message the correlation engine needs.
type Meta struct {
	// ThreadHeader is the value of the carried thread-id header, empty
	// when the transport stripped it or the message predates it.
	ThreadHeader string

	// Subject is the message subject as received.
	Subject string

	// Participant is the counter-party's email address: the sender for
	// inbox messages, the primary recipient for sent messages.
	Participant string
}

// Strategy produces a thread id for a message, or "" when it has nothing
// to offer.
type Strategy interface {
	Name() string
	Resolve(msg Meta) string
}

// Resolver runs an ordered list of strategies and returns the first
// non-empty result.
type Resolver struct {
	strategies []Strategy
}

// NewResolver returns the standard pipeline: header first, then
// subject+participant fallback.
func NewResolver() *Resolver {
	return &Resolver{
		strategies: []Strategy{
			HeaderStrategy{},
			SubjectStrategy{},
		},
	}
}

// Resolve computes the thread id for a message.
func (r *Resolver) Resolve(msg Meta) string {
	for _, s := range r.strategies {
		if id := s.Resolve(msg); id != "" {
			return id
		}
	}
	return ""
}

// HeaderStrategy uses the carried thread-id header verbatim.
type HeaderStrategy struct{}

func (HeaderStrategy) Name() string { return "header" }

func (HeaderStrategy) Resolve(msg Meta) string {
	return msg.ThreadHeader
}

// SubjectStrategy derives a thread id from the normalized subject and the
// counter-party's address.
type SubjectStrategy struct{}

func (SubjectStrategy) Name() string { return "subject" }

func (SubjectStrategy) Resolve(msg Meta) string {
	if msg.Participant == "" {
		return ""
	}
	return NormalizeSubject(msg.Subject) + ":" + strings.ToLower(msg.Participant)
}

// replyPrefix matches a single leading Re:/Fwd:/Fw: prefix with optional
// whitespace.
var replyPrefix = regexp.MustCompile(`^(?i)(re|fwd|fw)\s*:\s*`)

// NormalizeSubject strips repeated reply and forward prefixes,
// case-insensitively, and trims surrounding whitespace so "Hello" and
// "Re: Hello" normalize identically.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	return strings.ToLower(s)
}

// Searcher is the slice of the remote mailbox the thread engine needs for
// locating a conversation's messages.
type Searcher interface {
	// SearchThreadHeader finds messages carrying the given thread id in
	// the custom header.
	SearchThreadHeader(ctx context.Context, threadID string) ([]string, error)

	// SearchSubject finds messages whose subject matches and whose
	// sender is one of the given addresses.
	SearchSubject(ctx context.Context, subject string, senders []string) ([]string, error)
}

// FindThreadMessages locates a thread's messages in a remote mailbox.
// The header search runs first; only when it yields one result or fewer
// does the subject search run, restricted to the known participant and the
// local identity as senders to avoid false joins from unrelated messages
// sharing a common subject.
func FindThreadMessages(
	ctx context.Context,
	s Searcher,
	threadID, subject, participant, self string,
) ([]string, error) {
	ids, err := s.SearchThreadHeader(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 1 {
		return ids, nil
	}

	fallback, err := s.SearchSubject(ctx, NormalizeSubject(subject),
		[]string{participant, self})
	if err != nil {
		return nil, err
	}

	return mergeIDs(ids, fallback), nil
}

// mergeIDs unions two id lists, preserving first-seen order.
func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
