package workflow

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// outputTagPattern captures the agent's explicit structured-output
// block. The prompt suffix asks for it, but agents frequently answer
// in free-form markdown instead, hence the fallback strategies.
var outputTagPattern = regexp.MustCompile(`(?s)<content-output>\s*(.*?)\s*</content-output>`)

// jsonBlockPattern grabs the outermost brace span of a transcript for
// research-findings extraction.
var jsonBlockPattern = regexp.MustCompile(`(?s)\{.*\}`)

// taggedOutput is the JSON payload inside a content-output block.
type taggedOutput struct {
	Email       string `json:"email,omitempty"`
	LinkedIn    string `json:"linkedin,omitempty"`
	Instagram   string `json:"instagram,omitempty"`
	VideoScript string `json:"video_script,omitempty"`
	Hooks       string `json:"hooks,omitempty"`
	ImagePrompt string `json:"image_prompt,omitempty"`
	BlogOutline string `json:"blog_outline,omitempty"`
}

// sectionHeadings maps a markdown heading line to a section type. Order
// matters: a transcript is split at the first heading matching any
// entry, and "video" must be tried before "blog" picks up a "Video blog"
// heading.
var sectionHeadings = []struct {
	sectionType string
	pattern     *regexp.Regexp
}{
	{"email", regexp.MustCompile(`(?i)^#*\s*(?:\d+[.)]\s*)?email`)},
	{"linkedin", regexp.MustCompile(`(?i)^#*\s*(?:\d+[.)]\s*)?linkedin`)},
	{"instagram", regexp.MustCompile(`(?i)^#*\s*(?:\d+[.)]\s*)?instagram`)},
	{"video_script", regexp.MustCompile(`(?i)^#*\s*(?:\d+[.)]\s*)?(?:video|short[- ]?form)`)},
	{"blog_outline", regexp.MustCompile(`(?i)^#*\s*(?:\d+[.)]\s*)?blog`)},
}

// ParseContent extracts structured content pieces from a raw agent
// transcript. Strategies, in order: an explicit <content-output> JSON
// block, markdown section headings, whole transcript as raw.
func ParseContent(raw string) ParsedContent {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ParsedContent{Source: "raw"}
	}

	if tagged, ok := parseTagged(raw); ok {
		return tagged
	}
	if sectioned, ok := parseSections(raw); ok {
		return sectioned
	}
	return ParsedContent{
		Source:   "raw",
		Sections: []ContentSection{{Type: "raw", Content: raw}},
	}
}

func parseTagged(raw string) (ParsedContent, bool) {
	match := outputTagPattern.FindStringSubmatch(raw)
	if match == nil {
		return ParsedContent{}, false
	}
	var out taggedOutput
	if err := json.Unmarshal([]byte(match[1]), &out); err != nil {
		// Malformed tag payload falls through to section splitting.
		return ParsedContent{}, false
	}

	parsed := ParsedContent{Source: "tagged"}
	for _, piece := range []struct{ sectionType, content string }{
		{"email", out.Email},
		{"linkedin", out.LinkedIn},
		{"instagram", out.Instagram},
		{"video_script", out.VideoScript},
		{"hooks", out.Hooks},
		{"image_prompt", out.ImagePrompt},
		{"blog_outline", out.BlogOutline},
	} {
		if piece.content != "" {
			parsed.Sections = append(parsed.Sections, ContentSection{
				Type:    piece.sectionType,
				Content: piece.content,
			})
		}
	}
	if len(parsed.Sections) == 0 {
		return ParsedContent{}, false
	}
	return parsed, true
}

// parseSections splits the transcript at lines matching a known content
// heading. Each section runs until the next recognized heading.
func parseSections(raw string) (ParsedContent, bool) {
	lines := strings.Split(raw, "\n")

	type boundary struct {
		sectionType string
		title       string
		startLine   int
	}
	var boundaries []boundary
	for i, line := range lines {
		for _, h := range sectionHeadings {
			if h.pattern.MatchString(line) {
				boundaries = append(boundaries, boundary{
					sectionType: h.sectionType,
					title:       strings.TrimSpace(strings.TrimLeft(line, "# ")),
					startLine:   i,
				})
				break
			}
		}
	}
	if len(boundaries) == 0 {
		return ParsedContent{}, false
	}

	parsed := ParsedContent{Source: "sections"}
	seen := make(map[string]bool)
	for i, b := range boundaries {
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].startLine
		}
		content := strings.TrimSpace(strings.Join(lines[b.startLine+1:end], "\n"))
		if content == "" || seen[b.sectionType] {
			continue
		}
		seen[b.sectionType] = true
		parsed.Sections = append(parsed.Sections, ContentSection{
			Type:    b.sectionType,
			Title:   b.title,
			Content: content,
		})
	}
	if len(parsed.Sections) == 0 {
		return ParsedContent{}, false
	}
	return parsed, true
}

// assetTypes maps section types to stored asset types. Video scripts
// become heygen assets so the video-generation integration can find
// them.
var assetTypes = map[string]string{
	"email":        "email",
	"linkedin":     "linkedin",
	"instagram":    "instagram",
	"video_script": "heygen",
	"hooks":        "hooks",
	"image_prompt": "image_prompt",
	"blog_outline": "blog_outline",
}

// AssetRecords converts parsed content into asset rows for a bundle. A
// raw-only parse yields a single email asset so nothing produced by a
// finished session is ever dropped.
func AssetRecords(bundleID, workflowID string, parsed ParsedContent, now time.Time) []Asset {
	var assets []Asset
	for _, section := range parsed.Sections {
		assetType, ok := assetTypes[section.Type]
		if !ok {
			assetType = "email"
		}
		assets = append(assets, Asset{
			ID:         uuid.NewString(),
			BundleID:   bundleID,
			WorkflowID: workflowID,
			Type:       assetType,
			Title:      section.Title,
			Content:    section.Content,
			CreatedAt:  now,
		})
	}
	return assets
}

// validFindings checks the fields without which a findings blob is
// considered unparseable.
func validFindings(f ResearchFindings) bool {
	return len(f.TrendingAngles) > 0 &&
		len(f.KeyStatistics) > 0 &&
		len(f.ViralHooks) > 0 &&
		f.CompetitorInsights != "" &&
		len(f.PlatformStrategy) > 0 &&
		f.BrandVoice != ""
}

// ParseResearchFindings extracts the findings JSON a research session
// was prompted to emit. Returns false when the transcript carries no
// parseable, complete findings object — the caller treats that as "not
// yet" rather than failure.
func ParseResearchFindings(raw string, now time.Time) (ResearchFindings, bool) {
	block := jsonBlockPattern.FindString(raw)
	if block == "" {
		return ResearchFindings{}, false
	}
	var findings ResearchFindings
	if err := json.Unmarshal([]byte(block), &findings); err != nil {
		return ResearchFindings{}, false
	}
	if !validFindings(findings) {
		return ResearchFindings{}, false
	}
	if findings.ConfidenceScore == 0 {
		findings.ConfidenceScore = 75
	}
	if findings.ResearchTimestamp == "" {
		findings.ResearchTimestamp = now.UTC().Format(time.RFC3339)
	}
	return findings, true
}

// ParseStrategy extracts a strategy document from a strategy session
// transcript: the outermost JSON object when present, otherwise the
// whole transcript wrapped as a markdown document.
func ParseStrategy(raw string) (json.RawMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if block := jsonBlockPattern.FindString(raw); block != "" {
		if json.Valid([]byte(block)) {
			return json.RawMessage(block), true
		}
	}
	doc, err := json.Marshal(map[string]string{"format": "markdown", "document": raw})
	if err != nil {
		return nil, false
	}
	return doc, true
}

// QualityScore is the bundle quality heuristic over produced assets.
func QualityScore(assetCount int) int {
	switch {
	case assetCount >= 3:
		return 85
	case assetCount > 0:
		return 65
	default:
		return 0
	}
}
