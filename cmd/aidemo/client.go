package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

type client struct {
	base string
	http *http.Client
}

// call sends body as JSON and decodes the reply into out when it is non-nil.
func (c *client) call(ctx context.Context, method, path, token string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type signedIn struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"id"`
		ParishID string `json:"parishId"`
	} `json:"user"`
}

type quizDoc struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Questions []struct {
		ID      string   `json:"id"`
		Options []string `json:"opcoes"`
		Correct int      `json:"opcaoCorreta"`
	} `json:"questoes"`
}

type submitReply struct {
	Response struct {
		Score int `json:"pontuacao"`
	} `json:"response"`
	XP *struct {
		XPEarned  int64 `json:"xpEarned"`
		LeveledUp bool  `json:"leveledUp"`
	} `json:"xp"`
	Repeat bool `json:"repeat"`
}
