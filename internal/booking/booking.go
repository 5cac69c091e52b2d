// Package booking schedules appointments through the Cal.com v2 API and
// records successful bookings as meeting rows.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/log"
)

const (
	// DefaultAPIBase is the Cal.com v2 endpoint.
	DefaultAPIBase = "https://api.cal.com/v2"

	// apiVersion is the cal-api-version header value the v2 slot and
	// booking endpoints expect.
	apiVersion = "2024-08-13"

	// requestTimeout bounds each scheduling API call.
	requestTimeout = 10 * time.Second
)

// ErrNotConfigured indicates the Cal.com credentials are missing.
var ErrNotConfigured = errors.New("cal_not_configured")

// Slot is an available booking time. Cal.com returns start times only;
// end equals start and the event type determines the real duration.
type Slot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Request carries the attendee and timing details for one booking.
type Request struct {
	AttendeeName    string
	AttendeeEmail   string
	AttendeePhone   string
	StartTime       string // ISO 8601 UTC
	DurationMinutes int
	TimeZone        string
}

// Result reports the outcome of a booking attempt. A failed attempt is a
// Result with Success false, never an error: the capability layer always
// has a structured payload to hand back to the model.
type Result struct {
	Success      bool
	BookingID    string
	MeetingURL   string
	ScheduledAt  string
	ErrorMessage string
}

// Meeting is the persisted record of a successful booking.
type Meeting struct {
	ConversationID  string
	UserID          string
	MeetingURL      string
	ScheduledAt     string
	DurationMinutes int
	Status          string
	CalEventID      string
}

// Recorder persists meeting rows. Implemented by the store package.
type Recorder interface {
	CreateMeeting(ctx context.Context, m Meeting) (string, error)
}

// Service talks to Cal.com and records meetings.
type Service struct {
	cfg      *config.Config
	apiBase  string
	http     *http.Client
	recorder Recorder
	logger   log.Logger
}

// New creates a booking service. recorder may be nil, in which case
// successful bookings are not persisted locally.
func New(cfg *config.Config, recorder Recorder, logger log.Logger) *Service {
	return &Service{
		cfg:      cfg,
		apiBase:  DefaultAPIBase,
		http:     &http.Client{Timeout: requestTimeout},
		recorder: recorder,
		logger:   logger,
	}
}

// WithAPIBase overrides the Cal.com endpoint, for tests.
func (s *Service) WithAPIBase(base string) *Service {
	s.apiBase = base
	return s
}

// CheckAvailability lists open slots between two instants.
func (s *Service) CheckAvailability(ctx context.Context, startDate, endDate, timeZone string) ([]Slot, error) {
	if !s.cfg.BookingConfigured() {
		return nil, ErrNotConfigured
	}
	if timeZone == "" {
		timeZone = s.cfg.BookingTimeZone
	}

	params := url.Values{}
	params.Set("eventTypeId", strconv.Itoa(s.cfg.CalEventTypeID))
	params.Set("startTime", startDate)
	params.Set("endTime", endDate)
	params.Set("timeZone", timeZone)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.apiBase+"/slots/available?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building slots request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching available slots: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scheduling API returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Data struct {
			Slots []struct {
				Time string `json:"time"`
			} `json:"slots"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding slots response: %w", err)
	}

	slots := make([]Slot, 0, len(payload.Data.Slots))
	for _, slot := range payload.Data.Slots {
		slots = append(slots, Slot{Start: slot.Time, End: slot.Time})
	}

	s.logger.Info("fetched available slots", "count", len(slots), "start", startDate, "end", endDate)
	return slots, nil
}

// CreateBooking books an appointment and persists the meeting record.
// It does not verify the start time against previously listed slots;
// the scheduling provider rejects genuinely unavailable times.
func (s *Service) CreateBooking(ctx context.Context, userID, conversationID string, req Request) Result {
	if !s.cfg.BookingConfigured() {
		return Result{Success: false, ErrorMessage: "Booking system not configured"}
	}

	if req.DurationMinutes <= 0 {
		req.DurationMinutes = s.cfg.BookingDuration
	}
	if req.TimeZone == "" {
		req.TimeZone = s.cfg.BookingTimeZone
	}

	data, err := s.postBooking(ctx, req)
	if err != nil {
		s.logger.Error("booking creation failed", "error", err, "attendee", req.AttendeeName)
		return Result{Success: false, ErrorMessage: err.Error()}
	}

	meetingURL := data.Location
	if meetingURL == "" {
		meetingURL = data.MeetingURL
	}

	bookingID := data.UID
	if s.recorder != nil {
		id, err := s.recorder.CreateMeeting(ctx, Meeting{
			ConversationID:  conversationID,
			UserID:          userID,
			MeetingURL:      meetingURL,
			ScheduledAt:     req.StartTime,
			DurationMinutes: req.DurationMinutes,
			Status:          "scheduled",
			CalEventID:      data.UID,
		})
		if err != nil {
			// The provider-side booking exists; surface the local id
			// failure without undoing it.
			s.logger.Error("failed to record meeting", "error", err, "cal_event_id", data.UID)
		} else {
			bookingID = id
		}
	}

	s.logger.Info("booking created", "booking_id", bookingID, "scheduled_at", req.StartTime)
	return Result{
		Success:     true,
		BookingID:   bookingID,
		MeetingURL:  meetingURL,
		ScheduledAt: req.StartTime,
	}
}

type bookingData struct {
	UID        string `json:"uid"`
	Location   string `json:"location"`
	MeetingURL string `json:"meetingUrl"`
}

func (s *Service) postBooking(ctx context.Context, req Request) (*bookingData, error) {
	attendee := map[string]any{
		"name":     req.AttendeeName,
		"email":    req.AttendeeEmail,
		"timeZone": req.TimeZone,
	}
	if req.AttendeePhone != "" {
		attendee["phoneNumber"] = req.AttendeePhone
	}

	payload := map[string]any{
		"start":       req.StartTime,
		"eventTypeId": s.cfg.CalEventTypeID,
		"attendee":    attendee,
	}
	// The event type carries the default length; only override when the
	// caller asked for something else.
	if req.DurationMinutes != config.DefaultBookingDuration {
		payload["lengthInMinutes"] = req.DurationMinutes
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling booking payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiBase+"/bookings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building booking request: %w", err)
	}
	s.setHeaders(httpReq)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling scheduling API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scheduling API returned %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Data bookingData `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding booking response: %w", err)
	}
	return &result.Data, nil
}

func (s *Service) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.cfg.CalAPIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("cal-api-version", apiVersion)
}
