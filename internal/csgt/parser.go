package csgt

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"phatnguoi-service/internal/domain/violation"
)

// Field labels as rendered on the result page. A record starts at the
// license-plate label; subsequent labels fill the current record.
const (
	labelPlate       = "Biển kiểm soát"
	labelPlateColor  = "Màu biển"
	labelVehicleType = "Loại phương tiện"
	labelTime        = "Thời gian vi phạm"
	labelLocation    = "Địa điểm vi phạm"
	labelBehavior    = "Hành vi vi phạm"
	labelStatus      = "Trạng thái"
	labelUnit        = "Đơn vị phát hiện vi phạm"
	labelResolution  = "Nơi giải quyết vụ việc"
	labelFine        = "Số tiền phạt"
)

// Resolution contact lines carry no label; they are detected by these
// substrings instead.
const (
	markerAddress = "Địa chỉ:"
	markerPhone   = "Số điện thoại"
)

// ParseResult extracts violation records from the result page HTML.
// Missing markup or zero records is a valid empty result, not an error;
// only unreadable HTML yields a parse failure.
func ParseResult(html string) ([]violation.Violation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, newSiteError(KindParse, "read result document", err)
	}

	groups := doc.Find("#bodyPrint123 .form-group")
	if groups.Length() == 0 {
		// The site renders the container empty when the plate has no
		// violations on file.
		return []violation.Violation{}, nil
	}

	violations := make([]violation.Violation, 0, 4)
	var current *violation.Violation
	inResolution := false

	flush := func() {
		if current != nil {
			current.Number = len(violations) + 1
			violations = append(violations, *current)
			current = nil
		}
	}

	groups.Each(func(_ int, g *goquery.Selection) {
		label := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(g.Find("label").First().Text()), ":"))
		value := strings.TrimSpace(g.Find("span").First().Text())
		if value == "" {
			value = strings.TrimSpace(g.Find(".col-md-9").First().Text())
		}

		if label == "" {
			// Free-text sub-block: resolution office / address / phone.
			text := strings.TrimSpace(g.Text())
			if current == nil || text == "" {
				return
			}
			switch {
			case strings.Contains(text, markerAddress):
				current.ResolutionAddress = strings.TrimSpace(strings.TrimPrefix(text, markerAddress))
			case strings.Contains(text, markerPhone):
				if i := strings.Index(text, ":"); i >= 0 {
					current.ResolutionPhone = strings.TrimSpace(text[i+1:])
				} else {
					current.ResolutionPhone = text
				}
			case inResolution && current.ResolutionOffice == "":
				current.ResolutionOffice = text
			}
			return
		}

		switch label {
		case labelPlate:
			flush()
			current = &violation.Violation{Plate: value}
			inResolution = false
		case labelPlateColor:
			if current != nil {
				current.PlateColor = value
			}
		case labelVehicleType:
			if current != nil {
				current.VehicleType = value
			}
		case labelTime:
			if current != nil {
				current.Time = value
			}
		case labelLocation:
			if current != nil {
				current.Location = value
			}
		case labelBehavior:
			if current != nil {
				current.Behavior = value
			}
		case labelStatus:
			if current != nil {
				current.Status = value
			}
		case labelFine:
			if current != nil {
				current.FineAmount = value
			}
		case labelUnit:
			if current != nil {
				current.DetectingUnit = value
			}
		case labelResolution:
			inResolution = true
		}
	})
	flush()

	return violations, nil
}

// Paid/unpaid phrase sets for the free-text status field. The site
// renders status as prose, so classification is substring matching;
// this function is the single place that knows the wording.
var (
	paidPhrases   = []string{"đã xử phạt", "đã nộp phạt"}
	unpaidPhrases = []string{"chưa xử phạt", "chưa nộp phạt"}
)

// CountPaidUnpaid tallies violations by status text. A status matching
// neither phrase set counts toward neither bucket.
func CountPaidUnpaid(violations []violation.Violation) (paid, unpaid int) {
	for _, v := range violations {
		status := strings.ToLower(v.Status)
		switch {
		case containsAny(status, paidPhrases):
			paid++
		case containsAny(status, unpaidPhrases):
			unpaid++
		}
	}
	return paid, unpaid
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
