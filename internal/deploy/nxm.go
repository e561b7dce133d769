package deploy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NxmLink is a parsed nxm://<game>/mods/<modID>/files/<fileID>?key=...
// download link, the URL scheme the mod site hands to the registered
// nxm-handle CLI command (spec §6; grounded on the original's
// nxmhandler_linux.cpp).
type NxmLink struct {
	GameDomain string
	ModID      int
	FileID     int
	Key        string
	Expires    int64
	UserID     int
}

// ParseNxmLink parses raw into an NxmLink. Acting on the parsed link
// (queuing a download) is left to the caller via an injected callback;
// this only covers the wire format.
func ParseNxmLink(raw string) (*NxmLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing nxm link %q: %w", raw, err)
	}
	if u.Scheme != "nxm" {
		return nil, fmt.Errorf("not an nxm link: %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("nxm link %q has no game domain", raw)
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) != 4 || segs[0] != "mods" || segs[2] != "files" {
		return nil, fmt.Errorf("malformed nxm path %q", u.Path)
	}

	modID, err := strconv.Atoi(segs[1])
	if err != nil {
		return nil, fmt.Errorf("nxm link %q: bad mod id: %w", raw, err)
	}
	fileID, err := strconv.Atoi(segs[3])
	if err != nil {
		return nil, fmt.Errorf("nxm link %q: bad file id: %w", raw, err)
	}

	q := u.Query()

	key := q.Get("key")
	if key == "" {
		return nil, fmt.Errorf("nxm link %q: missing key", raw)
	}

	exp := q.Get("expires")
	if exp == "" {
		return nil, fmt.Errorf("nxm link %q: missing expires", raw)
	}
	expires, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("nxm link %q: bad expires: %w", raw, err)
	}

	// user_id is optional; an absent or unparseable value is silently 0.
	userID, _ := strconv.Atoi(q.Get("user_id"))

	return &NxmLink{
		GameDomain: u.Host,
		ModID:      modID,
		FileID:     fileID,
		Key:        key,
		Expires:    expires,
		UserID:     userID,
	}, nil
}

func (l *NxmLink) String() string {
	v := url.Values{}
	if l.Key != "" {
		v.Set("key", l.Key)
	}
	if l.Expires != 0 {
		v.Set("expires", strconv.FormatInt(l.Expires, 10))
	}
	if l.UserID != 0 {
		v.Set("user_id", strconv.Itoa(l.UserID))
	}
	u := url.URL{
		Scheme:   "nxm",
		Host:     l.GameDomain,
		Path:     fmt.Sprintf("/mods/%d/files/%d", l.ModID, l.FileID),
		RawQuery: v.Encode(),
	}
	return u.String()
}
