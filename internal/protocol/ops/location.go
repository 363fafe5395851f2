package ops

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/danmuck/ocapn/internal/protocol/codec"
	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

var (
	ErrInvalidLocation  = errors.New("ops: invalid location")
	ErrInvalidSturdyRef = errors.New("ops: invalid sturdy ref")
)

const uriScheme = "ocapn"

// Location addresses a peer: who it is (designator), how to reach it
// (transport) and transport specific hints such as host and port.
type Location struct {
	Designator string
	Transport  string
	Hints      map[string]string
}

func (Location) Label() string { return "ocapn-peer" }

// Key identifies the peer independent of hints.
func (l Location) Key() string {
	return l.Designator + "." + l.Transport
}

func (l Location) Equal(other Location) bool {
	if l.Designator != other.Designator || l.Transport != other.Transport || len(l.Hints) != len(other.Hints) {
		return false
	}
	for k, v := range l.Hints {
		if other.Hints[k] != v {
			return false
		}
	}
	return true
}

func (l Location) Validate() error {
	if l.Designator == "" {
		return fmt.Errorf("%w: empty designator", ErrInvalidLocation)
	}
	if l.Transport == "" || strings.Contains(l.Transport, ".") {
		return fmt.Errorf("%w: transport %q", ErrInvalidLocation, l.Transport)
	}
	return nil
}

// String renders ocapn://<designator>.<transport>?<hints>.
func (l Location) String() string {
	return l.uri("")
}

func (l Location) uri(path string) string {
	u := url.URL{Scheme: uriScheme, Host: l.Key(), Path: path}
	if len(l.Hints) > 0 {
		q := url.Values{}
		keys := make([]string, 0, len(l.Hints))
		for k := range l.Hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, l.Hints[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ParseLocation parses the URI form produced by Location.String.
func ParseLocation(raw string) (Location, error) {
	loc, path, err := parseURI(raw)
	if err != nil {
		return Location{}, err
	}
	if path != "" && path != "/" {
		return Location{}, fmt.Errorf("%w: unexpected path %q", ErrInvalidLocation, path)
	}
	return loc, nil
}

func parseURI(raw string) (Location, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, "", fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if u.Scheme != uriScheme {
		return Location{}, "", fmt.Errorf("%w: scheme %q", ErrInvalidLocation, u.Scheme)
	}
	dot := strings.LastIndex(u.Host, ".")
	if dot <= 0 || dot == len(u.Host)-1 {
		return Location{}, "", fmt.Errorf("%w: host %q is not designator.transport", ErrInvalidLocation, u.Host)
	}
	loc := Location{Designator: u.Host[:dot], Transport: u.Host[dot+1:]}
	if q := u.Query(); len(q) > 0 {
		loc.Hints = make(map[string]string, len(q))
		for k, vs := range q {
			if len(vs) != 1 {
				return Location{}, "", fmt.Errorf("%w: hint %q repeated", ErrInvalidLocation, k)
			}
			loc.Hints[k] = vs[0]
		}
	}
	return loc, u.Path, nil
}

// SturdyRef is a durable capability: a location plus the swiss number the
// peer's bootstrap fetches the object by.
type SturdyRef struct {
	Location Location
	SwissNum []byte
}

// String renders ocapn://<designator>.<transport>/s/<swissnum>?<hints>. The
// swiss number is base64url without padding.
func (s SturdyRef) String() string {
	return s.Location.uri("/s/" + base64.RawURLEncoding.EncodeToString(s.SwissNum))
}

func ParseSturdyRef(raw string) (SturdyRef, error) {
	loc, path, err := parseURI(raw)
	if err != nil {
		return SturdyRef{}, err
	}
	encoded, ok := strings.CutPrefix(path, "/s/")
	if !ok || encoded == "" {
		return SturdyRef{}, fmt.Errorf("%w: path %q", ErrInvalidSturdyRef, path)
	}
	swiss, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return SturdyRef{}, fmt.Errorf("%w: swiss number: %v", ErrInvalidSturdyRef, err)
	}
	return SturdyRef{Location: loc, SwissNum: swiss}, nil
}

var hintsCodec = codec.Func(
	func(r *syrup.Reader) (map[string]string, error) {
		h, err := codec.OrFalse(codec.Dictionary(codec.String)).Read(r)
		if err != nil || h == nil {
			return nil, err
		}
		return *h, nil
	},
	func(h map[string]string, w *syrup.Writer) error {
		if len(h) == 0 {
			w.WriteBool(false)
			return nil
		}
		return codec.Dictionary(codec.String).Write(h, w)
	},
)

// LocationCodec reads and writes <ocapn-peer designator transport hints|false>.
var LocationCodec = codec.Record("ocapn-peer",
	codec.F("designator", codec.String, func(l *Location) *string { return &l.Designator }),
	codec.F("transport", codec.Selector, func(l *Location) *string { return &l.Transport }),
	codec.F("hints", hintsCodec, func(l *Location) *map[string]string { return &l.Hints }),
)

var myLocationCodec = codec.Wrap[Location]("my-location", LocationCodec)

// MyLocationBytes is the message a session key signs to bind itself to loc.
func MyLocationBytes(loc Location) ([]byte, error) {
	return codec.Encode(myLocationCodec, loc)
}
