package session

import (
	"context"

	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/thread"
	"github.com/zkemails/zkemails/internal/transport"
)

// mailboxSearcher adapts the transport mailbox to the thread engine's
// search contract.
type mailboxSearcher struct {
	mailbox transport.Mailbox
	folder  model.Folder
}

func (s mailboxSearcher) SearchThreadHeader(ctx context.Context, threadID string) ([]string, error) {
	return s.mailbox.Search(ctx, transport.SearchCriteria{
		Folder: s.folder,
		Header: &transport.HeaderFilter{Name: transport.HeaderThreadID, Value: threadID},
	})
}

func (s mailboxSearcher) SearchSubject(ctx context.Context, subject string, senders []string) ([]string, error) {
	return s.mailbox.Search(ctx, transport.SearchCriteria{
		Folder:  s.folder,
		Subject: subject,
		Senders: senders,
	})
}

// FindRemoteThread locates a conversation's messages on the server: by
// the carried thread-id header first, falling back to a subject search
// restricted to the conversation's participant and ourselves.
func (s *Session) FindRemoteThread(ctx context.Context, threadID, subject, participant string) ([]string, error) {
	return thread.FindThreadMessages(ctx,
		mailboxSearcher{mailbox: s.mailbox, folder: model.FolderInbox},
		threadID, subject, participant, s.cfg.Email)
}
