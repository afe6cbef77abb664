package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token" json:"page_token"`
	PageSize  int    `form:"page_size" json:"page_size"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Cursor identifies the last row of a page in (created_at, id) order.
type Cursor struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

func EncodeCursor(c Cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidPageToken
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidPageToken
	}
	if c.ID == "" || c.CreatedAt == "" {
		return nil, ErrInvalidPageToken
	}
	return &c, nil
}

// CreatedAtTime parses the cursor timestamp.
func (c Cursor) CreatedAtTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return time.Time{}, ErrInvalidPageToken
	}
	return t, nil
}

// BuildCursorPageInfo expects items to hold up to pageSize+1 rows; the extra
// row signals another page.
func BuildCursorPageInfo[T any](items []T, pageSize int, token func(T) string) *PageInfo {
	if pageSize <= 0 {
		return nil
	}
	info := &PageInfo{}
	if len(items) > pageSize {
		info.HasMore = true
		info.NextPageToken = token(items[pageSize-1])
	}
	return info
}
