package credits

import (
	"context"
	"fmt"
	"log"

	"github.com/aimessages/aimessages/internal/loop"
)

// NoCreditsMessage is sent once when a user runs out of credits.
const NoCreditsMessage = "Uh oh! It looks like you are out of message credits.\n\n" +
	"To purchase more message credits please follow this 👇 link! " +
	"https://chadbot-c97e6.web.app/redirects?path=credits"

type Sender interface {
	Send(ctx context.Context, msg loop.Message) (string, error)
}

type ContactLookup interface {
	ContactForUID(uid string) (string, error)
}

// Notifier tells users, over iMessage, that their credits ran out.
type Notifier struct {
	ledger   *Ledger
	contacts ContactLookup
	sender   Sender
}

func NewNotifier(l *Ledger, contacts ContactLookup, sender Sender) *Notifier {
	return &Notifier{ledger: l, contacts: contacts, sender: sender}
}

// NotifyNoCredits sends the out-of-credits message unless s says the user
// was already warned, then marks the user warned.
func (n *Notifier) NotifyNoCredits(ctx context.Context, uid, sessionID string, s Standing) error {
	if s.WasWarned {
		return nil
	}
	contact, err := n.contacts.ContactForUID(uid)
	if err != nil {
		return fmt.Errorf("looking up contact of %s: %w", uid, err)
	}
	_, err = n.sender.Send(ctx, loop.Message{
		Recipient: contact,
		Text:      NoCreditsMessage,
		Passthrough: loop.Passthrough{
			UID:                 uid,
			SessionID:           sessionID,
			IncomingMessageType: loop.MsgNoCreditsRemaining,
		},
	})
	if err != nil {
		return fmt.Errorf("sending no-credits notice to %s: %w", uid, err)
	}
	log.Printf("credits: warned %s about an empty balance", uid)
	return n.ledger.MarkWarned(uid)
}
