package extract

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"
)

func (r *Registry) extractEmail(ctx context.Context, path string) ([]Item, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening email: %w", err)
		}
		defer f.Close()
		item, err := parseMessage(f)
		if err != nil {
			return nil, err
		}
		return []Item{*item}, nil
	case ".mbox":
		return r.extractMbox(path)
	case ".pst":
		return r.extractPST(ctx, path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
}

// parseMessage renders one RFC-5322 message as a text document:
// headers, body (text/plain preferred, HTML stripped otherwise) and an
// attachment manifest.
func parseMessage(r io.Reader) (*Item, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	var sb strings.Builder
	for _, h := range []string{"From", "To", "Cc", "Subject", "Date", "Message-Id", "In-Reply-To"} {
		if v := env.GetHeader(h); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", h, v)
		}
	}
	sb.WriteString("\n")

	body := env.Text
	if strings.TrimSpace(body) == "" && env.HTML != "" {
		body = stripHTML(env.HTML)
	}
	sb.WriteString(strings.TrimSpace(body))

	if len(env.Attachments) > 0 {
		sb.WriteString("\n\nPièces jointes:\n")
		for _, a := range env.Attachments {
			fmt.Fprintf(&sb, "- %s (%s, %d octets)\n", a.FileName, a.ContentType, len(a.Content))
		}
	}

	item := &Item{Text: strings.TrimSpace(sb.String())}
	if raw := env.GetHeader("Date"); raw != "" {
		if t, err := mail.ParseDate(raw); err == nil {
			utc := t.UTC()
			item.IntrinsicDate = &utc
		}
	}
	if subj := env.GetHeader("Subject"); subj != "" {
		item.Name = subj
	}
	return item, nil
}

// extractMbox splits the mailbox on "From " separator lines and yields
// one item per message. Unparseable messages are skipped.
func (r *Registry) extractMbox(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mbox: %w", err)
	}
	defer f.Close()

	var items []Item
	var current bytes.Buffer
	flush := func() {
		if current.Len() == 0 {
			return
		}
		item, err := parseMessage(bytes.NewReader(current.Bytes()))
		if err != nil {
			r.log.Debug("skipping unparseable mbox message", zap.String("path", path), zap.Error(err))
		} else {
			if item.Name == "" {
				item.Name = fmt.Sprintf("message-%d", len(items)+1)
			}
			items = append(items, *item)
		}
		current.Reset()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") {
			flush()
			continue
		}
		// mbox quotes body lines starting with "From " as ">From ".
		if strings.HasPrefix(line, ">From ") {
			line = line[1:]
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mbox: %w", err)
	}
	flush()
	return items, nil
}

// extractPST expands the mailbox with readpst into per-message .eml
// files and parses each.
func (r *Registry) extractPST(ctx context.Context, path string) ([]Item, error) {
	bin, err := exec.LookPath("readpst")
	if err != nil {
		return nil, fmt.Errorf("readpst unavailable: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.PSTTimeout)
	defer cancel()

	tmp, err := os.MkdirTemp("", "archon-pst-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	// -e: one .eml per message, -D: include deleted items.
	cmd := exec.CommandContext(ctx, bin, "-e", "-D", "-o", tmp, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("readpst: %w: %s", err, lastLine(string(out)))
	}

	var items []Item
	err = filepath.WalkDir(tmp, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(strings.ToLower(p), ".eml") {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		item, perr := parseMessage(f)
		f.Close()
		if perr != nil {
			r.log.Debug("skipping unparseable pst message", zap.String("path", p), zap.Error(perr))
			return nil
		}
		if rel, rerr := filepath.Rel(tmp, p); rerr == nil {
			folder := filepath.ToSlash(filepath.Dir(rel))
			if item.Name == "" {
				item.Name = rel
			} else if folder != "." {
				item.Name = folder + "/" + item.Name
			}
		}
		items = append(items, *item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking pst output: %w", err)
	}
	return items, nil
}

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	htmlSpacesRe = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)
)

// stripHTML reduces an HTML body to readable text. Good enough for
// indexing; rendering fidelity is not a goal.
func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	for entity, repl := range map[string]string{
		"&nbsp;": " ", "&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`, "&#39;": "'",
	} {
		s = strings.ReplaceAll(s, entity, repl)
	}
	s = htmlSpacesRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
