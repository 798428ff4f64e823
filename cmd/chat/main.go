package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// session tracks the conversation and the last answer for /feedback.
type session struct {
	server       string
	user         string
	conversation string
	lastID       string
	lastTopic    string
	client       *http.Client
}

func main() {
	server := flag.String("server", "http://localhost:3210", "groundwork server URL")
	user := flag.String("user", "cli-user", "owner id for memories and profile")
	flag.Parse()

	s := &session{
		server:       strings.TrimRight(*server, "/"),
		user:         *user,
		conversation: uuid.New().String(),
		client:       &http.Client{Timeout: 120 * time.Second},
	}

	fmt.Println("groundwork CLI Chat")
	fmt.Printf("Server: %s | User: %s\n", s.server, s.user)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /feedback <1-5>, /correct <text>, /remember <fact>, /memories, /profile, /status")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/feedback":
			s.feedback(arg)
		case "/correct":
			s.correct(arg)
		case "/remember":
			s.remember(arg)
		case "/memories":
			s.memories()
		case "/profile":
			s.profile()
		case "/status":
			s.status()
		default:
			s.send(input)
		}
	}
}

func (s *session) send(message string) {
	var res struct {
		InteractionID string `json:"interaction_id"`
		Content       string `json:"content"`
		Status        string `json:"status"`
		Model         string `json:"model"`
		Validation    struct {
			IsValid         bool    `json:"is_valid"`
			ValidationScore float64 `json:"validation_score"`
			Issues          []struct {
				Severity string `json:"severity"`
				Message  string `json:"message"`
			} `json:"issues"`
		} `json:"validation"`
		MemoryContext struct {
			MemoriesFound int `json:"memories_found"`
		} `json:"memory_context"`
		Classification struct {
			Topic string `json:"topic"`
		} `json:"classification"`
		Personalization struct {
			Suggestions []string `json:"suggestions"`
		} `json:"personalization"`
	}
	err := s.post("/api/process", map[string]string{
		"owner_id":        s.user,
		"message":         message,
		"conversation_id": s.conversation,
	}, &res)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	s.lastID = res.InteractionID
	s.lastTopic = res.Classification.Topic

	fmt.Println(res.Content)
	color := "32"
	if !res.Validation.IsValid {
		color = "33"
	}
	fmt.Printf("\033[%sm[%s | score %.2f | %d memories | %s]\033[0m\n",
		color, res.Status, res.Validation.ValidationScore, res.MemoryContext.MemoriesFound, res.Model)
	for _, is := range res.Validation.Issues {
		fmt.Printf("  \033[33m%s:\033[0m %s\n", is.Severity, is.Message)
	}
	for _, sg := range res.Personalization.Suggestions {
		fmt.Printf("  \033[36mtip:\033[0m %s\n", sg)
	}
}

func (s *session) feedback(arg string) {
	rating, err := strconv.Atoi(arg)
	if err != nil || rating < 1 || rating > 5 {
		printError("usage: /feedback <1-5>")
		return
	}
	if s.lastID == "" {
		printError("nothing to rate yet")
		return
	}
	var ack map[string]string
	err = s.post("/api/feedback", map[string]any{
		"owner_id":       s.user,
		"interaction_id": s.lastID,
		"type":           "satisfaction",
		"rating":         rating,
		"topic":          s.lastTopic,
	}, &ack)
	if err != nil {
		printError("Feedback failed: %v", err)
		return
	}
	fmt.Printf("Thanks! (feedback %s)\n", ack["feedback_id"])
}

func (s *session) correct(text string) {
	if text == "" || s.lastID == "" {
		printError("usage: /correct <text> after an answer")
		return
	}
	var ack map[string]string
	err := s.post("/api/feedback", map[string]any{
		"owner_id":        s.user,
		"interaction_id":  s.lastID,
		"type":            "correction",
		"correction_text": text,
		"topic":           s.lastTopic,
	}, &ack)
	if err != nil {
		printError("Correction failed: %v", err)
		return
	}
	fmt.Println("Correction noted.")
}

func (s *session) remember(fact string) {
	if fact == "" {
		printError("usage: /remember <fact>")
		return
	}
	var created map[string]string
	if err := s.post("/api/memories", map[string]string{"owner_id": s.user, "content": fact}, &created); err != nil {
		printError("Store failed: %v", err)
		return
	}
	fmt.Printf("Remembered (%s)\n", created["id"])
}

func (s *session) memories() {
	var recs []struct {
		Content   string `json:"content"`
		Type      string `json:"memory_type"`
		Priority  string `json:"priority"`
		Retention string `json:"retention"`
	}
	if err := s.get("/api/memories?owner_id="+s.user+"&limit=20", &recs); err != nil {
		printError("Failed to fetch memories: %v", err)
		return
	}
	if len(recs) == 0 {
		fmt.Println("No memories yet.")
		return
	}
	for _, r := range recs {
		fmt.Printf("  [%s/%s/%s] %s\n", r.Type, r.Priority, r.Retention, r.Content)
	}
}

func (s *session) profile() {
	var p struct {
		LearningStyleWeights map[string]float64 `json:"learning_style_weights"`
		TopicProficiency     map[string]float64 `json:"topic_proficiency"`
		Patterns             []string           `json:"patterns"`
		InteractionCount     int                `json:"interaction_count"`
		FeedbackCount        int                `json:"feedback_count"`
	}
	if err := s.get("/api/profiles/"+s.user, &p); err != nil {
		printError("Failed to fetch profile: %v", err)
		return
	}
	fmt.Printf("Interactions: %d | Feedback: %d\n", p.InteractionCount, p.FeedbackCount)
	for k, v := range p.LearningStyleWeights {
		fmt.Printf("  style %-14s %.2f\n", k, v)
	}
	for k, v := range p.TopicProficiency {
		fmt.Printf("  topic %-14s %.2f\n", k, v)
	}
	if len(p.Patterns) > 0 {
		fmt.Printf("  patterns: %s\n", strings.Join(p.Patterns, ", "))
	}
}

func (s *session) status() {
	var h struct {
		Status    string            `json:"status"`
		Store     string            `json:"store"`
		Providers map[string]string `json:"providers"`
	}
	if err := s.get("/api/health", &h); err != nil && h.Status == "" {
		printError("Failed to fetch status: %v", err)
		return
	}
	fmt.Printf("Status: %s | store: %s\n", h.Status, h.Store)
	for id, st := range h.Providers {
		icon := "\033[31m✗\033[0m"
		if st == "ok" {
			icon = "\033[32m✓\033[0m"
		}
		fmt.Printf("  %s %s %s\n", icon, id, st)
	}
}

func (s *session) post(path string, body, out any) error {
	data, _ := json.Marshal(body)
	resp, err := s.client.Post(s.server+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (s *session) get(path string, out any) error {
	resp, err := s.client.Get(s.server + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// decode fills out even for error statuses so callers can show the body.
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		json.Unmarshal(data, out)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
