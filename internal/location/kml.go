package location

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// MaxKmlBytes caps accepted KML inputs.
const MaxKmlBytes = 1024 * 1024

const kmlTimeLayout = "2006-01-02T15:04:05Z"

// Kml is the parsed form of a location trace attachment, a strict
// subset of KML 2.2.
type Kml struct {
	Addr      string
	Locations []Location
}

// ParseKml decodes a KML location trace. Placemarks without a
// timestamp or with zero coordinates are dropped; timestamps in the
// future are clamped to now.
func ParseKml(data []byte) (*Kml, error) {
	if len(data) > MaxKmlBytes {
		return nil, fmt.Errorf("kml file is too large (%d bytes)", len(data))
	}

	kml := &Kml{}
	decoder := xml.NewDecoder(strings.NewReader(string(data)))

	var inPlacemark, inTimestamp, inWhen, inPoint, inCoordinates bool
	var curr Location
	now := time.Now().Unix()

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse kml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch strings.ToLower(t.Name.Local) {
			case "document":
				for _, attr := range t.Attr {
					if strings.ToLower(attr.Name.Local) == "addr" {
						kml.Addr = attr.Value
					}
				}
			case "placemark":
				inPlacemark = true
				curr = Location{}
			case "timestamp":
				inTimestamp = inPlacemark
			case "when":
				inWhen = inTimestamp
			case "point":
				inPoint = inPlacemark
			case "coordinates":
				if inPoint {
					inCoordinates = true
					for _, attr := range t.Attr {
						if strings.ToLower(attr.Name.Local) == "accuracy" {
							curr.Accuracy, _ = strconv.ParseFloat(strings.TrimSpace(attr.Value), 64)
						}
					}
				}
			}
		case xml.EndElement:
			switch strings.ToLower(t.Name.Local) {
			case "placemark":
				if inPlacemark && curr.Timestamp != 0 && curr.Latitude != 0 && curr.Longitude != 0 {
					kml.Locations = append(kml.Locations, curr)
				}
				inPlacemark, inTimestamp, inWhen, inPoint, inCoordinates = false, false, false, false, false
			case "timestamp":
				inTimestamp = false
			case "when":
				inWhen = false
			case "point":
				inPoint = false
			case "coordinates":
				inCoordinates = false
			}
		case xml.CharData:
			val := strings.Map(func(r rune) rune {
				switch r {
				case '\n', '\r', '\t', ' ':
					return -1
				}
				return r
			}, string(t))
			if inWhen && len(val) >= 19 {
				if ts, err := time.Parse(kmlTimeLayout, val); err == nil {
					curr.Timestamp = ts.Unix()
					if curr.Timestamp > now {
						curr.Timestamp = now
					}
				} else {
					curr.Timestamp = now
				}
			} else if inCoordinates {
				// KML orders coordinates longitude first.
				if lon, lat, found := strings.Cut(val, ","); found {
					lat, _, _ = strings.Cut(lat, ",")
					curr.Longitude, _ = strconv.ParseFloat(lon, 64)
					curr.Latitude, _ = strconv.ParseFloat(lat, 64)
				}
			}
		}
	}

	return kml, nil
}

func kmlTimestamp(utc int64) string {
	return time.Unix(utc, 0).UTC().Format(kmlTimeLayout)
}

// FormatKml serializes a streaming location trace for the given sender
// address.
func FormatKml(addr string, locations []Location) string {
	var sb strings.Builder
	fmt.Fprintf(&sb,
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<kml xmlns=\"http://www.opengis.net/kml/2.2\">\n<Document addr=\"%s\">\n",
		xmlEscape(addr))
	for _, loc := range locations {
		fmt.Fprintf(&sb,
			"<Placemark><Timestamp><when>%s</when></Timestamp><Point><coordinates accuracy=\"%v\">%v,%v</coordinates></Point></Placemark>\n",
			kmlTimestamp(loc.Timestamp), loc.Accuracy, loc.Longitude, loc.Latitude)
	}
	sb.WriteString("</Document>\n</kml>")
	return sb.String()
}

// FormatMessageKml serializes a single point-of-interest, as attached
// to an individual message.
func FormatMessageKml(timestamp int64, latitude, longitude float64) string {
	return fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"+
			"<kml xmlns=\"http://www.opengis.net/kml/2.2\">\n"+
			"<Document>\n"+
			"<Placemark><Timestamp><when>%s</when></Timestamp><Point><coordinates>%v,%v</coordinates></Point></Placemark>\n"+
			"</Document>\n"+
			"</kml>",
		kmlTimestamp(timestamp), longitude, latitude)
}

func xmlEscape(s string) string {
	var sb strings.Builder
	xml.EscapeText(&sb, []byte(s))
	return sb.String()
}
