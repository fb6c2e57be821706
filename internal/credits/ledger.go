// Package credits tracks each user's message credit balance: purchases and
// promotions add to it, delivered messages and generated images draw from
// it.
package credits

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/aimessages/aimessages/internal/store"
)

// PromotionAmount is the number of free messages a new account receives.
const PromotionAmount = 10

const promotionMessage = "😊 Trial Credits, Welcome!"

type ChargeType string

const (
	ChargeSubscription ChargeType = "subscription"
	ChargeToken        ChargeType = "token"
	ChargeNone         ChargeType = ""
)

// Response types recorded on expenses.
const (
	ResponsePrivate        = "private iMessage chat"
	ResponseGroup          = "group iMessage chat"
	ResponseExtensionImage = "iMessage extension image generation"
)

var ErrInvalidPurchase = errors.New("credits: not a message credit purchase")

// balance is the consumableBalance/<uid> document.
type balance struct {
	Remaining     int    `json:"numberOfMessagesRemaining"`
	Warned        bool   `json:"wasUserWarnedNoCreditsRemaining"`
	LatestReceipt string `json:"latestReceipt"`
}

// Standing is what a user may spend right now.
type Standing struct {
	ValidSubscription    bool
	HasMessagesRemaining bool
	WasWarned            bool
	Remaining            int
}

func (s Standing) HasCredit() bool {
	return s.ValidSubscription || s.HasMessagesRemaining
}

// ChargeType is how a response produced under this standing is paid for.
func (s Standing) ChargeType() ChargeType {
	return ChargeFor(s.ValidSubscription, s.HasMessagesRemaining)
}

func ChargeFor(validSubscription, hasMessagesRemaining bool) ChargeType {
	switch {
	case validSubscription:
		return ChargeSubscription
	case hasMessagesRemaining:
		return ChargeToken
	default:
		return ChargeNone
	}
}

type Ledger struct {
	store store.Store
	now   func() time.Time
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// Check reads the user's standing. No subscription product exists, so
// ValidSubscription is always false. A missing balance reads as empty.
func (l *Ledger) Check(uid string) (Standing, error) {
	b, err := l.balance(uid)
	if err != nil {
		return Standing{}, err
	}
	return Standing{
		HasMessagesRemaining: b.Remaining > 0,
		WasWarned:            b.Warned,
		Remaining:            b.Remaining,
	}, nil
}

func (l *Ledger) balance(uid string) (balance, error) {
	var b balance
	doc, err := l.store.Get(store.ConsumableBalance, uid)
	if errors.Is(err, store.ErrNotFound) {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("reading balance of %s: %w", uid, err)
	}
	if err := store.Decode(doc, &b); err != nil {
		return b, fmt.Errorf("decoding balance of %s: %w", uid, err)
	}
	return b, nil
}

// adjust applies delta to the balance once per receipt. It reports false
// when receiptID was already the latest receipt.
func (l *Ledger) adjust(uid, receiptID string, delta int) (bool, error) {
	applied := false
	err := l.store.Update(store.ConsumableBalance, uid, func(doc store.Doc) (store.Doc, error) {
		var b balance
		if doc != nil {
			if err := store.Decode(doc, &b); err != nil {
				return nil, err
			}
		}
		if receiptID == b.LatestReceipt {
			return doc, nil
		}
		if doc == nil {
			doc = store.Doc{}
		}
		doc["numberOfMessagesRemaining"] = b.Remaining + delta
		doc["wasUserWarnedNoCreditsRemaining"] = false
		doc["latestReceipt"] = receiptID
		applied = true
		return doc, nil
	})
	if err != nil {
		return false, fmt.Errorf("updating balance of %s: %w", uid, err)
	}
	return applied, nil
}

// ApplyCharge draws amount credits for receiptID. Only token charges reduce
// the balance; every charge clears the out-of-credits warning.
func (l *Ledger) ApplyCharge(uid, receiptID string, ct ChargeType, amount int) error {
	delta := 0
	if ct == ChargeToken {
		delta = -amount
	}
	applied, err := l.adjust(uid, receiptID, delta)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("credits: duplicate receipt %s for %s, balance unchanged", receiptID, uid)
	}
	return nil
}

// Receipt describes a delivered message.
type Receipt struct {
	MessageID  string
	Account    string
	GroupID    string
	ChargeType ChargeType
}

// RecordDelivery stores the expense of a delivered message under
// customerExpenses/<uid>/private (or /group when GroupID is set) and
// charges for it.
func (l *Ledger) RecordDelivery(uid string, r Receipt) (string, error) {
	sub, responseType := store.SubPrivate, ResponsePrivate
	doc := store.Doc{
		"messageTimestamp":            l.now().UTC(),
		"messageID":                   r.MessageID,
		"account":                     r.Account,
		"paidWithSubscriptionOrToken": string(r.ChargeType),
	}
	if r.GroupID != "" {
		sub, responseType = store.SubGroup, ResponseGroup
		doc["groupID"] = r.GroupID
	}
	doc["responseType"] = responseType

	id, err := l.store.Add(store.CustomerExpenses, uid, sub, doc)
	if err != nil {
		return "", fmt.Errorf("recording %s expense for %s: %w", sub, uid, err)
	}
	return id, l.ApplyCharge(uid, id, r.ChargeType, 1)
}

// RecordImages stores the expense of amount generated images and charges
// for it.
func (l *Ledger) RecordImages(uid string, ct ChargeType, amount int) (string, error) {
	id, err := l.store.Add(store.CustomerExpenses, uid, store.SubExtensionMessageImages, store.Doc{
		"messageTimestamp":            l.now().UTC(),
		"paidWithSubscriptionOrToken": string(ct),
		"responseType":                ResponseExtensionImage,
		"amount":                      amount,
	})
	if err != nil {
		return "", fmt.Errorf("recording image expense for %s: %w", uid, err)
	}
	return id, l.ApplyCharge(uid, id, ct, amount)
}

// IssuePromotion grants the trial credits once per user. It reports false
// when a promotion was already issued.
func (l *Ledger) IssuePromotion(uid string) (bool, error) {
	promotions := store.Sub(store.CustomerExpenses, uid, store.SubPromotions)
	existing, err := l.store.List(promotions)
	if err != nil {
		return false, fmt.Errorf("listing promotions of %s: %w", uid, err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	id, err := l.store.Add(store.CustomerExpenses, uid, store.SubPromotions, store.Doc{
		"messageTimestamp": l.now().UTC(),
		"amount":           PromotionAmount,
		"message":          promotionMessage,
	})
	if err != nil {
		return false, fmt.Errorf("recording promotion for %s: %w", uid, err)
	}
	if _, err := l.adjust(uid, id, PromotionAmount); err != nil {
		return false, err
	}
	log.Printf("credits: issued %d trial credits to %s", PromotionAmount, uid)
	return true, nil
}

// MarkWarned records that the user was told they ran out of credits.
func (l *Ledger) MarkWarned(uid string) error {
	err := l.store.Set(store.ConsumableBalance, uid, store.Doc{"wasUserWarnedNoCreditsRemaining": true}, true)
	if err != nil {
		return fmt.Errorf("marking %s warned: %w", uid, err)
	}
	return nil
}

// --- Purchases ---

type PurchaseType string

const (
	NonRenewingPurchase PurchaseType = "NON_RENEWING_PURCHASE"
	InitialPurchase     PurchaseType = "INITIAL_PURCHASE"
	ProductChange       PurchaseType = "PRODUCT_CHANGE"
	Renewal             PurchaseType = "RENEWAL"
)

var purchaseTypes = []PurchaseType{NonRenewingPurchase, InitialPurchase, ProductChange, Renewal}

// Products lists the message credit packs on sale.
var Products = []string{
	"aiMessages_25_messages",
	"aiMessages_50_messages",
	"aiMessages_100_messages",
	"aiMessages_200_messages",
	"aiMessages_250_messages",
	"aiMessages_300_messages",
	"aiMessages_500_messages",
	"aiMessages_1000_messages",
}

var digits = regexp.MustCompile(`\d+`)

// PurchaseEvent is a store purchase notification.
type PurchaseEvent struct {
	ID        string       `json:"id"`
	Type      PurchaseType `json:"type"`
	ProductID string       `json:"product_id"`
	AppUserID string       `json:"app_user_id"`
}

// Credits returns the number of messages the event buys.
func (e PurchaseEvent) Credits() (int, error) {
	if !slices.Contains(purchaseTypes, e.Type) || !slices.Contains(Products, e.ProductID) {
		return 0, fmt.Errorf("%w: type %q product %q", ErrInvalidPurchase, e.Type, e.ProductID)
	}
	return strconv.Atoi(digits.FindString(e.ProductID))
}

// ApplyPurchase stores the event under events/<eventID> and credits the
// purchased messages once.
func (l *Ledger) ApplyPurchase(eventID string, e PurchaseEvent) (int, error) {
	doc, err := store.Encode(e)
	if err != nil {
		return 0, err
	}
	if err := l.store.Set(store.PurchaseEvents, eventID, doc, false); err != nil {
		return 0, fmt.Errorf("storing purchase event %s: %w", eventID, err)
	}

	n, err := e.Credits()
	if err != nil {
		return 0, err
	}
	applied, err := l.adjust(e.AppUserID, eventID, n)
	if err != nil {
		return 0, err
	}
	if !applied {
		log.Printf("credits: duplicate purchase event %s for %s", eventID, e.AppUserID)
		return 0, nil
	}
	log.Printf("credits: %s bought %d messages (%s)", e.AppUserID, n, e.Type)
	return n, nil
}
