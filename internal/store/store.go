// Package store keeps documents in collections, in the shape the app's
// handlers expect: collection/doc, and collection/doc/subcollection/doc.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Top-level collections.
const (
	BotNames              = "botNames"
	Personality           = "personality"
	IMessageAccounts      = "iMessageAccounts"
	ConsumableBalance     = "consumableBalance"
	CustomerExpenses      = "customerExpenses"
	ExtensionMessages     = "extensionMessages"
	ExtensionImageHistory = "extensionImageHistory"
	CachedPrivateMessages = "cachedPrivateMessages"
	CachedGroupMessages   = "cachedGroupMessages"
	PurchaseEvents        = "events"
)

// Subcollections.
const (
	SubPrivate                = "private"
	SubGroup                  = "group"
	SubCompletions            = "completions"
	SubEdits                  = "edits"
	SubImageResponses         = "imageResponses"
	SubPromotions             = "promotions"
	SubExtensionMessageImages = "extensionMessageImages"
)

var ErrNotFound = errors.New("store: document not found")

// Doc is a document's fields.
type Doc map[string]any

type Store interface {
	Get(collection, id string) (Doc, error)
	Set(collection, id string, fields Doc, merge bool) error
	// Add stores fields under a generated id. With parentID and sub set the
	// document goes to collection/parentID/sub.
	Add(collection, parentID, sub string, fields Doc) (string, error)
	// Update runs fn on the current fields (nil when missing) inside one
	// transaction and writes what it returns. A nil result leaves the
	// document untouched.
	Update(collection, id string, fn func(Doc) (Doc, error)) error
	Find(collection, field string, value any) (string, Doc, error)
	List(collection string) (map[string]Doc, error)
	Delete(collection, id string) error
	Close() error
}

// Sub returns the path of a subcollection below a document.
func Sub(collection, parentID, sub string) string {
	return collection + "/" + parentID + "/" + sub
}

func path(collection, parentID, sub string) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("store: empty collection")
	}
	switch {
	case parentID == "" && sub == "":
		return collection, nil
	case parentID != "" && sub != "":
		return Sub(collection, parentID, sub), nil
	default:
		return "", fmt.Errorf("store: subcollection %q needs both parent and name", strings.Trim(parentID+"/"+sub, "/"))
	}
}

// Decode copies a document into v through its JSON form.
func Decode(d Doc, v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Encode turns a struct into a Doc through its JSON form.
func Encode(v any) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}
