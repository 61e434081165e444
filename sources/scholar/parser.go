package scholar

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Profile is the raw data scraped from a scholar citations page.
type Profile struct {
	Name        string   `json:"name"`
	Affiliation string   `json:"affiliation"`
	Interests   []string `json:"interests"`
	Citations   int      `json:"citations"`
	HIndex      int      `json:"h_index"`
	I10Index    int      `json:"i10_index"`
}

// Paper is one publication row from the citations table.
type Paper struct {
	Title     string `json:"title"`
	Authors   string `json:"authors"`
	Venue     string `json:"venue"`
	Year      int    `json:"year,omitempty"`
	Citations int    `json:"citations,omitempty"`
}

func attrVal(t html.Token, name string) string {
	for _, a := range t.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(t html.Token, class string) bool {
	for _, c := range strings.Fields(attrVal(t, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// parseProfile extracts the profile header and the citation statistics
// sidebar from a citations page.
func parseProfile(body []byte) *Profile {
	z := html.NewTokenizer(strings.NewReader(string(body)))
	p := &Profile{}

	var inName, inAffiliation, inInterest, inStat bool
	var stats []int
	affiliationSeen := false

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			applyStats(p, stats)
			return p

		case html.StartTagToken:
			t := z.Token()
			switch {
			case attrVal(t, "id") == "gsc_prf_in":
				inName = true
			case hasClass(t, "gsc_prf_il") && !affiliationSeen:
				inAffiliation = true
			case hasClass(t, "gsc_prf_inta"):
				inInterest = true
			case hasClass(t, "gsc_rsb_std"):
				inStat = true
			}

		case html.TextToken:
			text := strings.TrimSpace(string(z.Text()))
			switch {
			case inName:
				p.Name += text
			case inAffiliation:
				p.Affiliation += text
			case inInterest && text != "":
				p.Interests = append(p.Interests, text)
			case inStat && text != "":
				if n, err := strconv.Atoi(strings.ReplaceAll(text, ",", "")); err == nil {
					stats = append(stats, n)
				}
			}

		case html.EndTagToken:
			if inAffiliation {
				affiliationSeen = true
			}
			inName, inAffiliation, inInterest, inStat = false, false, false, false
		}
	}
}

// applyStats maps the sidebar cells onto the profile. The sidebar lists
// citations, h-index, and i10-index as all-time/recent pairs.
func applyStats(p *Profile, stats []int) {
	if len(stats) >= 1 {
		p.Citations = stats[0]
	}
	if len(stats) >= 3 {
		p.HIndex = stats[2]
	}
	if len(stats) >= 5 {
		p.I10Index = stats[4]
	}
}

// parsePapers extracts publication rows from a citations page.
func parsePapers(body []byte) []Paper {
	z := html.NewTokenizer(strings.NewReader(string(body)))
	var papers []Paper
	var current *Paper

	var inTitle, inGray, inCited, inYear bool
	grayIndex := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if current != nil {
				papers = append(papers, *current)
			}
			return papers

		case html.StartTagToken:
			t := z.Token()
			switch {
			case t.Data == "tr" && hasClass(t, "gsc_a_tr"):
				if current != nil {
					papers = append(papers, *current)
				}
				current = &Paper{}
				grayIndex = 0
			case current == nil:
			case hasClass(t, "gsc_a_at"):
				inTitle = true
			case hasClass(t, "gs_gray"):
				inGray = true
				grayIndex++
			case hasClass(t, "gsc_a_ac"):
				inCited = true
			case hasClass(t, "gsc_a_h"):
				inYear = true
			}

		case html.TextToken:
			if current == nil {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			switch {
			case inTitle:
				current.Title += text
			case inGray && grayIndex == 1:
				current.Authors += text
			case inGray && grayIndex == 2:
				current.Venue += text
			case inCited && text != "":
				if n, err := strconv.Atoi(strings.ReplaceAll(text, ",", "")); err == nil {
					current.Citations = n
				}
			case inYear && text != "":
				if n, err := strconv.Atoi(text); err == nil {
					current.Year = n
				}
			}

		case html.EndTagToken:
			inTitle, inGray, inCited, inYear = false, false, false, false
		}
	}
}
