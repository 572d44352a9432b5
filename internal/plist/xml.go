package plist

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	xmlDoctype = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">`
	dateLayout = "2006-01-02T15:04:05Z"
)

// EscapeXML escapes the five XML entities. The XML encoder uses it for
// <string> and <key> text.
func EscapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		// xml.EscapeText only fails on a broken Writer; strings.Builder never does.
		return s
	}
	return b.String()
}

// EncodeXML renders v as a canonical Apple XML plist document (spec
// section 4.5: "canonical Apple DOCTYPE").
func EncodeXML(v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlDoctype)
	buf.WriteString("\n<plist version=\"1.0\">\n")
	if err := encodeValue(&buf, v, 0); err != nil {
		return nil, err
	}
	buf.WriteString("\n</plist>\n")
	return buf.Bytes(), nil
}

func indent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteByte('\t')
	}
}

func encodeValue(buf *bytes.Buffer, v Value, depth int) error {
	indent(buf, depth)
	switch v.Kind {
	case KindBool:
		if v.Bool {
			buf.WriteString("<true/>")
		} else {
			buf.WriteString("<false/>")
		}
	case KindInt:
		i := v.Int
		if i == nil {
			i = big.NewInt(0)
		}
		fmt.Fprintf(buf, "<integer>%s</integer>", i.String())
	case KindReal:
		fmt.Fprintf(buf, "<real>%s</real>", strconv.FormatFloat(v.Real, 'g', -1, 64))
	case KindStr:
		fmt.Fprintf(buf, "<string>%s</string>", EscapeXML(v.Str))
	case KindData:
		fmt.Fprintf(buf, "<data>\n%s</data>", base64.StdEncoding.EncodeToString(v.Data))
	case KindDate:
		fmt.Fprintf(buf, "<date>%s</date>", v.Date.UTC().Format(dateLayout))
	case KindArray:
		if len(v.Array) == 0 {
			buf.WriteString("<array/>")
			return nil
		}
		buf.WriteString("<array>\n")
		for _, e := range v.Array {
			if err := encodeValue(buf, e, depth+1); err != nil {
				return err
			}
			buf.WriteString("\n")
		}
		indent(buf, depth)
		buf.WriteString("</array>")
	case KindDict:
		if v.Dict == nil || v.Dict.Len() == 0 {
			buf.WriteString("<dict/>")
			return nil
		}
		buf.WriteString("<dict>\n")
		for _, k := range v.Dict.Keys() {
			indent(buf, depth+1)
			fmt.Fprintf(buf, "<key>%s</key>\n", EscapeXML(k))
			val, _ := v.Dict.Get(k)
			if err := encodeValue(buf, val, depth+1); err != nil {
				return err
			}
			buf.WriteString("\n")
		}
		indent(buf, depth)
		buf.WriteString("</dict>")
	default:
		return fmt.Errorf("plist: unencodable kind %v", v.Kind)
	}
	return nil
}

// DecodeXML parses an XML plist document into a Value tree.
func DecodeXML(data []byte) (Value, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return Value{}, fmt.Errorf("plist: no plist root element found")
		}
		if err != nil {
			return Value{}, fmt.Errorf("plist: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "plist" {
			continue
		}
		return decodeFirstChild(dec)
	}
}

// decodeFirstChild reads the single value element nested directly inside
// <plist>...</plist> and decodes it.
func decodeFirstChild(dec *xml.Decoder) (Value, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, fmt.Errorf("plist: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return decodeElement(dec, t)
		case xml.EndElement:
			return Value{}, fmt.Errorf("plist: empty document")
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (Value, error) {
	switch start.Name.Local {
	case "true":
		skipToEnd(dec, start)
		return VBool(true), nil
	case "false":
		skipToEnd(dec, start)
		return VBool(false), nil
	case "integer":
		text, err := readText(dec, start)
		if err != nil {
			return Value{}, err
		}
		i, ok := new(big.Int).SetString(strings.TrimSpace(text), 10)
		if !ok {
			return Value{}, fmt.Errorf("plist: invalid integer %q", text)
		}
		return VInt(i), nil
	case "real":
		text, err := readText(dec, start)
		if err != nil {
			return Value{}, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return Value{}, fmt.Errorf("plist: invalid real %q: %w", text, err)
		}
		return VReal(f), nil
	case "string":
		text, err := readText(dec, start)
		if err != nil {
			return Value{}, err
		}
		return VString(text), nil
	case "data":
		text, err := readText(dec, start)
		if err != nil {
			return Value{}, err
		}
		clean := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
				return -1
			}
			return r
		}, text)
		raw, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return Value{}, fmt.Errorf("plist: invalid data: %w", err)
		}
		return VData(raw), nil
	case "date":
		text, err := readText(dec, start)
		if err != nil {
			return Value{}, err
		}
		t, err := time.Parse(dateLayout, strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("plist: invalid date %q: %w", text, err)
		}
		return VDate(t), nil
	case "array":
		var out []Value
		for {
			tok, err := dec.Token()
			if err != nil {
				return Value{}, fmt.Errorf("plist: %w", err)
			}
			switch t := tok.(type) {
			case xml.StartElement:
				v, err := decodeElement(dec, t)
				if err != nil {
					return Value{}, err
				}
				out = append(out, v)
			case xml.EndElement:
				return Value{Kind: KindArray, Array: out}, nil
			}
		}
	case "dict":
		d := NewDict()
		var pendingKey string
		haveKey := false
		for {
			tok, err := dec.Token()
			if err != nil {
				return Value{}, fmt.Errorf("plist: %w", err)
			}
			switch t := tok.(type) {
			case xml.StartElement:
				if t.Name.Local == "key" {
					key, err := readText(dec, t)
					if err != nil {
						return Value{}, err
					}
					pendingKey = key
					haveKey = true
					continue
				}
				if !haveKey {
					return Value{}, fmt.Errorf("plist: dict value without preceding key")
				}
				v, err := decodeElement(dec, t)
				if err != nil {
					return Value{}, err
				}
				d.Set(pendingKey, v)
				haveKey = false
			case xml.EndElement:
				return VDict(d), nil
			}
		}
	default:
		return Value{}, fmt.Errorf("plist: unknown element <%s>", start.Name.Local)
	}
}

// readText reads character data up to the matching end element for start.
func readText(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("plist: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return b.String(), nil
			}
		}
	}
}

// skipToEnd consumes tokens until the matching end element for an
// empty/self-closing element like <true/>.
func skipToEnd(dec *xml.Decoder, start xml.StartElement) {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == start.Name.Local {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				if depth == 0 {
					return
				}
				depth--
			}
		}
	}
}
