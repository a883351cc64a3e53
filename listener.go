package acm

import (
	"net/url"
	"strings"
)

const (
	fieldSep  = "\x02"
	recordSep = "\x01"
)

// encodeListenerPayload builds the Probe-Modify-Request body for a batch of
// subscriptions: "dataId\x02group\x02lastMD5\x02tenant\x01" per
// subscription, omitting "\x02tenant" when tenant is empty.
func encodeListenerPayload(subs []*subscription) string {
	var b strings.Builder
	for _, s := range subs {
		b.WriteString(s.key.DataID)
		b.WriteString(fieldSep)
		b.WriteString(s.key.Group)
		b.WriteString(fieldSep)
		b.WriteString(s.LastMD5())
		if s.key.Tenant != "" {
			b.WriteString(fieldSep)
			b.WriteString(s.key.Tenant)
		}
		b.WriteString(recordSep)
	}
	return b.String()
}

// changedKey is a key the server reported as differing from the subscribed
// content hash.
type changedKey struct {
	DataID string
	Group  string
	Tenant string
}

// decodeChangedKeys parses the long-poll response: the whole body is
// percent-decoded first, then split on recordSep, then each record split on
// fieldSep into {dataId, group[, tenant]} - preserving the source's
// decode-before-split order exactly (see DESIGN.md Open Question 2).
func decodeChangedKeys(body string) ([]changedKey, error) {
	decoded, err := url.QueryUnescape(body)
	if err != nil {
		return nil, err
	}
	decoded = strings.Trim(decoded, recordSep)
	if decoded == "" {
		return nil, nil
	}
	records := strings.Split(decoded, recordSep)
	keys := make([]changedKey, 0, len(records))
	for _, rec := range records {
		if rec == "" {
			continue
		}
		fields := strings.Split(rec, fieldSep)
		if len(fields) < 2 {
			continue
		}
		ck := changedKey{DataID: fields[0], Group: fields[1]}
		if len(fields) >= 3 {
			ck.Tenant = fields[2]
		}
		keys = append(keys, ck)
	}
	return keys, nil
}
