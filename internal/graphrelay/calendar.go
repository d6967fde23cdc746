package graphrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type Location struct {
	DisplayName string `json:"displayName"`
}

type Attendee struct {
	EmailAddress EmailAddress `json:"emailAddress"`
	Type         string       `json:"type,omitempty"`
}

type Event struct {
	ID        string            `json:"id"`
	Subject   string            `json:"subject"`
	Body      *ItemBody         `json:"body,omitempty"`
	Start     *DateTimeTimeZone `json:"start,omitempty"`
	End       *DateTimeTimeZone `json:"end,omitempty"`
	Location  *Location         `json:"location,omitempty"`
	Attendees []Attendee        `json:"attendees,omitempty"`
	Organizer *Recipient        `json:"organizer,omitempty"`
}

type CreateEventRequest struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	TimeZone  string    `json:"timeZone,omitempty"`
	Location  string    `json:"location,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`
}

// Calendar exposes the calendar operations the agent layer can invoke for one
// account.
type Calendar struct {
	client  *GraphClient
	account string
}

func NewCalendar(client *GraphClient, account string) *Calendar {
	return &Calendar{client: client, account: account}
}

func (c *Calendar) basePath() string {
	return "/v1.0/users/" + url.PathEscape(c.account)
}

func (c *Calendar) ListEvents(ctx context.Context, top int) ([]Event, error) {
	if top <= 0 {
		top = 25
	}
	path := fmt.Sprintf("%s/events?$top=%d&$orderby=start/dateTime", c.basePath(), top)
	raw, err := c.client.List(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeEvents(raw)
}

func (c *Calendar) GetEvent(ctx context.Context, eventID string) (Event, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Event{}, ErrInvalidInput
	}
	var event Event
	if err := c.client.Do(ctx, "GET", c.basePath()+"/events/"+url.PathEscape(eventID), nil, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (c *Calendar) CreateEvent(ctx context.Context, req CreateEventRequest) (Event, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return Event{}, ErrInvalidInput
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return Event{}, ErrInvalidInput
	}
	timeZone := strings.TrimSpace(req.TimeZone)
	if timeZone == "" {
		timeZone = "UTC"
	}
	payload := map[string]any{
		"subject": req.Subject,
		"start":   DateTimeTimeZone{DateTime: req.Start.Format(time.RFC3339), TimeZone: timeZone},
		"end":     DateTimeTimeZone{DateTime: req.End.Format(time.RFC3339), TimeZone: timeZone},
	}
	if req.Body != "" {
		payload["body"] = ItemBody{ContentType: "text", Content: req.Body}
	}
	if req.Location != "" {
		payload["location"] = Location{DisplayName: req.Location}
	}
	if len(req.Attendees) > 0 {
		attendees := make([]Attendee, 0, len(req.Attendees))
		for _, address := range req.Attendees {
			address = strings.TrimSpace(address)
			if address == "" {
				continue
			}
			attendees = append(attendees, Attendee{
				EmailAddress: EmailAddress{Address: address},
				Type:         "required",
			})
		}
		payload["attendees"] = attendees
	}
	var created Event
	if err := c.client.Do(ctx, "POST", c.basePath()+"/events", payload, &created); err != nil {
		return Event{}, err
	}
	return created, nil
}

func (c *Calendar) DeleteEvent(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ErrInvalidInput
	}
	return c.client.Do(ctx, "DELETE", c.basePath()+"/events/"+url.PathEscape(eventID), nil, nil)
}

func decodeEvents(raw []json.RawMessage) ([]Event, error) {
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal(item, &event); err != nil {
			return nil, fmt.Errorf("invalid event payload: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}
