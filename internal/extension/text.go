package extension

import (
	"context"
	"log"

	"github.com/aimessages/aimessages/internal/store"
)

// Complete continues prompt and records the exchange under the user's
// completions.
func (s *Service) Complete(ctx context.Context, uid, prompt string) (string, error) {
	if _, err := s.gate(ctx, uid); err != nil {
		return "", err
	}
	reply, err := s.Text.Completion(ctx, prompt, uid)
	if err != nil {
		return "", err
	}
	s.record(uid, store.SubCompletions, store.Doc{
		"messageTimestamp": s.now().UTC(),
		"prompt":           prompt,
		"response":         reply,
	})
	return reply, nil
}

// EditText applies instruction to input and records the exchange under the
// user's edits.
func (s *Service) EditText(ctx context.Context, uid, input, instruction string) (string, error) {
	if _, err := s.gate(ctx, uid); err != nil {
		return "", err
	}
	reply, err := s.Text.TextEdit(ctx, input, instruction)
	if err != nil {
		return "", err
	}
	s.record(uid, store.SubEdits, store.Doc{
		"messageTimestamp": s.now().UTC(),
		"input":            input,
		"instruction":      instruction,
		"response":         reply,
	})
	return reply, nil
}

func (s *Service) record(uid, sub string, doc store.Doc) {
	if _, err := s.Store.Add(store.ExtensionMessages, uid, sub, doc); err != nil {
		log.Printf("extension: recording %s of %s: %v", sub, uid, err)
	}
}
