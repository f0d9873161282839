package checker

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

const maxSniffBytes = 2 << 20

const notFoundMarker = "Couldn't find this account"

// User-detail status codes the web app embeds for handles with no account.
var notFoundCodes = map[int]bool{
	10221: true,
	10202: true,
}

type rehydration struct {
	DefaultScope struct {
		UserDetail struct {
			StatusCode int `json:"statusCode"`
		} `json:"webapp.user-detail"`
	} `json:"__DEFAULT_SCOPE__"`
}

// sniff upgrades a 200 to Available when the page body says the account
// does not exist. The status-code verdict is logged next to it so the two
// can be told apart afterwards.
func (c *Checker) sniff(body io.Reader, res *Result) {
	l := logging.WithComponent("Checker/Sniffer")

	reason, err := sniffNotFound(io.LimitReader(body, maxSniffBytes))
	if err != nil {
		l.Debug().Err(err).Str("identifier", res.Identifier).Msg("Could not parse profile page.")
		return
	}
	if reason == "" {
		return
	}

	l.Info().
		Str("identifier", res.Identifier).
		Int("status_code", res.StatusCode).
		Str("status_outcome", res.Outcome.String()).
		Str("reason", reason).
		Msg("Body reports no such account, overriding status code.")
	res.Outcome = Available
	res.Sniffed = true
}

func sniffNotFound(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}

	if raw := strings.TrimSpace(doc.Find("script#__UNIVERSAL_DATA_FOR_REHYDRATION__").First().Text()); raw != "" {
		var data rehydration
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			if notFoundCodes[data.DefaultScope.UserDetail.StatusCode] {
				return "rehydration_status", nil
			}
		}
	}

	if strings.Contains(doc.Find("body").Text(), notFoundMarker) {
		return "not_found_marker", nil
	}
	return "", nil
}
