// Package extension serves the iMessage extension: image generation with a
// per-user history, plus one-shot text completions and edits.
package extension

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/aimessages/aimessages/internal/clipdrop"
	"github.com/aimessages/aimessages/internal/credits"
	"github.com/aimessages/aimessages/internal/events"
	"github.com/aimessages/aimessages/internal/httpx"
	"github.com/aimessages/aimessages/internal/openai"
	"github.com/aimessages/aimessages/internal/stability"
	"github.com/aimessages/aimessages/internal/store"
)

type RequestType string

const (
	Create       RequestType = "create"
	Edit         RequestType = "edit"
	EditWithMask RequestType = "editWithMask"
	Doodle       RequestType = "doodle"
	Variation    RequestType = "variation"
)

// Image providers selectable per request. Create and edit requests default
// to Stability; doodles always go to Clipdrop and variations to OpenAI.
const (
	ProviderStability = "stability"
	ProviderOpenAI    = "openai"
)

const (
	historyPrefix = "historyImages"
	imageFile     = "activeImage.png"
)

var (
	ErrNoCredits          = errors.New("No valid subscription or message tokens were found for this user.")
	ErrUnknownRequestType = errors.New("Unknown image request type.")
	ErrUnknownProvider    = errors.New("Unknown image provider.")
	ErrInvalidID          = errors.New("Invalid user or image id.")
)

type ImageGenerator interface {
	Generate(ctx context.Context, t stability.RequestType, prompt, image string, samples int) ([]string, error)
}

type Sketcher interface {
	SketchToImage(ctx context.Context, prompt, sketch string) ([]string, error)
}

// OpenAIImages is the single-image surface of the OpenAI images API.
type OpenAIImages interface {
	CreateImage(ctx context.Context, prompt, user string) (string, error)
	EditImage(ctx context.Context, prompt, image, user string) (string, error)
	ImageVariation(ctx context.Context, image, user string) (string, error)
}

type TextModel interface {
	Completion(ctx context.Context, prompt, user string) (string, error)
	TextEdit(ctx context.Context, input, instruction string) (string, error)
}

type Ledger interface {
	Check(uid string) (credits.Standing, error)
	RecordImages(uid string, ct credits.ChargeType, amount int) (string, error)
}

type Notifier interface {
	NotifyNoCredits(ctx context.Context, uid, sessionID string, s credits.Standing) error
}

var (
	_ ImageGenerator = (*stability.Client)(nil)
	_ Sketcher       = (*clipdrop.Client)(nil)
	_ OpenAIImages   = (*openai.Client)(nil)
	_ TextModel      = (*openai.Client)(nil)
)

type Deps struct {
	Store     store.Store
	Bucket    afs.Service
	BucketURL string
	Ledger    Ledger
	Notifier  Notifier
	Stability ImageGenerator
	Clipdrop  Sketcher
	OpenAI    OpenAIImages
	Text      TextModel
	Events    *events.Recorder
}

type Service struct {
	Deps
	now func() time.Time
	wg  sync.WaitGroup
}

func NewService(d Deps) *Service {
	if d.Bucket == nil {
		d.Bucket = afs.New()
	}
	return &Service{Deps: d, now: time.Now}
}

type ImageRequest struct {
	UID         string      `json:"uid"`
	Caption     string      `json:"caption"`
	Image       string      `json:"image"`
	RequestType RequestType `json:"requestType"`
	NumSamples  int         `json:"numSamples"`
	Provider    string      `json:"provider,omitempty"`
}

// ImageResult holds base64 PNGs in provider order. Samples is the number of
// images charged for, which the provider may not have filled.
type ImageResult struct {
	Caption string
	Images  []string
	Samples int
}

// Images generates images for req and returns them right away. Storing them
// in the user's history and charging for them happens in the background;
// Wait blocks until that is done.
func (s *Service) Images(ctx context.Context, req ImageRequest) (ImageResult, error) {
	standing, err := s.gate(ctx, req.UID)
	if err != nil {
		return ImageResult{}, err
	}
	if req.NumSamples < 1 {
		req.NumSamples = 1
	}

	var images []string
	switch req.RequestType {
	case Create, Edit, EditWithMask:
		switch req.Provider {
		case "", ProviderStability:
			images, err = s.Stability.Generate(ctx, stability.RequestType(req.RequestType), req.Caption, req.Image, req.NumSamples)
		case ProviderOpenAI:
			images, err = s.openAIImage(ctx, req)
			req.NumSamples = 1
		default:
			return ImageResult{}, fmt.Errorf("%w (%q)", ErrUnknownProvider, req.Provider)
		}
	case Doodle:
		images, err = s.Clipdrop.SketchToImage(ctx, req.Caption, req.Image)
		req.NumSamples = 1
	case Variation:
		var img string
		img, err = s.OpenAI.ImageVariation(ctx, req.Image, req.UID)
		images = []string{img}
		req.NumSamples = 1
	default:
		return ImageResult{}, fmt.Errorf("%w (%q)", ErrUnknownRequestType, req.RequestType)
	}
	if err != nil {
		return ImageResult{}, err
	}

	s.persist(ctx, req, images, standing.ChargeType())
	return ImageResult{Caption: req.Caption, Images: images, Samples: req.NumSamples}, nil
}

// openAIImage serves create and edit requests from OpenAI, one image each.
// A mask is not supported there, so editWithMask is a plain edit.
func (s *Service) openAIImage(ctx context.Context, req ImageRequest) ([]string, error) {
	var (
		img string
		err error
	)
	if req.RequestType == Create {
		img, err = s.OpenAI.CreateImage(ctx, req.Caption, req.UID)
	} else {
		img, err = s.OpenAI.EditImage(ctx, req.Caption, req.Image, req.UID)
	}
	if err != nil {
		return nil, err
	}
	return []string{img}, nil
}

// gate lets a request through only while the user has credit. The first
// refusal also tells the user over iMessage.
func (s *Service) gate(ctx context.Context, uid string) (credits.Standing, error) {
	if !httpx.ValidUID(uid) {
		return credits.Standing{}, ErrInvalidID
	}
	standing, err := s.Ledger.Check(uid)
	if err != nil {
		return standing, err
	}
	if standing.HasCredit() {
		return standing, nil
	}
	if !standing.WasWarned {
		_, sessionID := events.FromContext(ctx)
		if err := s.Notifier.NotifyNoCredits(ctx, uid, sessionID, standing); err != nil {
			log.Printf("extension: %v", err)
		}
	}
	return standing, ErrNoCredits
}

func (s *Service) persist(ctx context.Context, req ImageRequest, images []string, ct credits.ChargeType) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		history := store.Sub(store.ExtensionImageHistory, req.UID, store.SubImageResponses)
		for _, img := range images {
			if img == "" {
				continue
			}
			id := uuid.NewString()
			dest, err := s.upload(ctx, req.UID, id, img)
			if err != nil {
				log.Printf("extension: storing image of %s: %v", req.UID, err)
				s.Events.Record(ctx, events.Entry{UID: req.UID, Type: events.TypeStorageUpload, Status: events.StatusFailed, HTTPType: http.StatusInternalServerError, HTTPInfo: err.Error()})
				return
			}
			err = s.Store.Set(history, id, store.Doc{
				"caption":          req.Caption,
				"cloudURL":         dest,
				"messageTimestamp": s.now().UTC(),
			}, false)
			if err != nil {
				log.Printf("extension: recording image %s of %s: %v", id, req.UID, err)
				return
			}
		}
		if _, err := s.Ledger.RecordImages(req.UID, ct, req.NumSamples); err != nil {
			log.Printf("extension: charging %s for images: %v", req.UID, err)
			return
		}
		s.Events.Record(ctx, events.Entry{UID: req.UID, Type: events.TypeStorageUpload, Status: events.StatusCompleted, HTTPType: http.StatusOK, NumSteps: len(images)})
	}()
}

func (s *Service) upload(ctx context.Context, uid, id, img string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(img)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}
	dest := url.Join(s.BucketURL, historyPrefix, uid, id, imageFile)
	parent, _ := url.Split(dest, file.Scheme)
	if ok, _ := s.Bucket.Exists(ctx, parent); !ok {
		if err := s.Bucket.Create(ctx, parent, file.DefaultDirOsMode, true); err != nil {
			return "", fmt.Errorf("creating %s: %w", parent, err)
		}
	}
	if err := s.Bucket.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("uploading %s: %w", dest, err)
	}
	return dest, nil
}

// Wait blocks until background persistence has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteImage removes one image from the user's history and the bucket.
// Image ids are the uuids assigned when the image was stored.
func (s *Service) DeleteImage(ctx context.Context, uid, id string) error {
	if !httpx.ValidUID(uid) {
		return ErrInvalidID
	}
	if u, err := uuid.Parse(id); err != nil || u.String() != id {
		return ErrInvalidID
	}
	history := store.Sub(store.ExtensionImageHistory, uid, store.SubImageResponses)
	if err := s.Store.Delete(history, id); err != nil {
		return fmt.Errorf("deleting image %s of %s: %w", id, uid, err)
	}
	prefix := url.Join(s.BucketURL, historyPrefix, uid, id)
	ok, err := s.Bucket.Exists(ctx, prefix)
	if err != nil || !ok {
		return err
	}
	if err := s.Bucket.Delete(ctx, prefix); err != nil {
		return fmt.Errorf("deleting %s: %w", prefix, err)
	}
	return nil
}
