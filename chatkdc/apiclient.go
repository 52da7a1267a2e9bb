/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package chatkdc

// Client side API client calls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type ApiClient struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	apiKey     string
	AuthMethod string
	UserHeader string // identity header for member endpoints
	UserID     string
	UseTLS     bool
	Verbose    bool
	Debug      bool
}

func NewClient(name, baseurl, apikey, authmethod, rootcafile string) *ApiClient {
	api := ApiClient{
		Name:       name,
		BaseUrl:    strings.TrimSuffix(baseurl, "/"),
		apiKey:     apikey,
		AuthMethod: authmethod,
		UseTLS:     strings.HasPrefix(baseurl, "https://"),
		Debug:      Globals.Debug,
		Verbose:    Globals.Verbose,
	}

	tlsconfig := &tls.Config{}

	switch rootcafile {
	case "insecure":
		tlsconfig.InsecureSkipVerify = true
	case "":
		// system roots
	default:
		rootCAPool := x509.NewCertPool()
		rootCA, err := os.ReadFile(rootcafile)
		if err != nil {
			log.Fatalf("reading cert failed : %v", err)
		}
		if Globals.Debug {
			fmt.Printf("NewClient: Creating '%s' API client based on root CAs in file '%s'\n", name, rootcafile)
		}
		rootCAPool.AppendCertsFromPEM(rootCA)
		tlsconfig.RootCAs = rootCAPool
	}

	api.Client = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: tlsconfig,
		},
	}
	return &api
}

func (api *ApiClient) UrlReport(method, endpoint string, data []byte) {
	if !api.Debug {
		return
	}

	if api.UseTLS {
		fmt.Printf("API%s: apiurl: %s (using TLS)\n", method, api.BaseUrl+endpoint)
	} else {
		fmt.Printf("API%s: apiurl: %s (not using TLS)\n", method, api.BaseUrl+endpoint)
	}

	if (method == http.MethodPost) || (method == http.MethodPut) {
		var prettyJSON bytes.Buffer

		error := json.Indent(&prettyJSON, data, "", "  ")
		if error != nil {
			log.Println("JSON parse error: ", error)
		}
		fmt.Printf("API%s: posting %d bytes of data: %s\n", method, len(data), prettyJSON.String())
	}
}

// RequestNG sends data (JSON encoded, nil for none) and returns the status and body
func (api *ApiClient) RequestNG(method, endpoint string, data interface{}, dieOnError bool) (int, []byte, error) {
	if api == nil {
		return 501, nil, fmt.Errorf("api client is nil")
	}

	var body io.Reader
	var raw []byte
	if data != nil {
		bytebuf := new(bytes.Buffer)
		if err := json.NewEncoder(bytebuf).Encode(data); err != nil {
			if dieOnError {
				log.Fatalf("api.RequestNG: Error from json.NewEncoder: %v", err)
			}
			return 501, nil, fmt.Errorf("error encoding request: %v", err)
		}
		raw = bytebuf.Bytes()
		body = bytebuf
	}
	api.UrlReport(method, endpoint, raw)

	req, err := http.NewRequest(method, api.BaseUrl+endpoint, body)
	if err != nil {
		if dieOnError {
			log.Fatalf("Error from http.NewRequest: Error: %v", err)
		}
		return 501, nil, err
	}
	req.Header.Add("Content-Type", "application/json")

	switch api.AuthMethod {
	case "X-API-Key":
		req.Header.Add("X-API-Key", api.apiKey)
	case "Authorization":
		req.Header.Add("Authorization", fmt.Sprintf("token %s", api.apiKey))
	case "", "none":
		// do not add any authentication header at all
	default:
		return 501, nil, fmt.Errorf("unknown auth method: %s", api.AuthMethod)
	}
	if api.UserID != "" {
		hdr := api.UserHeader
		if hdr == "" {
			hdr = "X-Chat-User"
		}
		req.Header.Set(hdr, api.UserID)
	}

	resp, err := api.Client.Do(req)
	if err != nil {
		msg := fmt.Sprintf("Error from API request %s: %v", method, err)
		if strings.Contains(err.Error(), "connection refused") {
			msg = "Connection refused. Server process probably not running."
		}
		if dieOnError {
			fmt.Printf("%s\n", msg)
			os.Exit(1)
		}
		return 501, nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		if dieOnError {
			log.Fatalf("api.RequestNG: Error from io.ReadAll: %v", err)
		}
		return 501, nil, fmt.Errorf("error from io.ReadAll: %v", err)
	}

	if api.Debug {
		var prettyJSON bytes.Buffer
		if error := json.Indent(&prettyJSON, buf, "", "  "); error != nil {
			log.Println("JSON parse error: ", error)
		}
		fmt.Printf("API%s: status %d, received %d bytes of response data:\n%s\n", method, resp.StatusCode, len(buf), prettyJSON.String())
	}

	return resp.StatusCode, buf, nil
}

func (api *ApiClient) Post(endpoint string, data []byte) (int, []byte, error) {
	if api == nil {
		return 501, nil, fmt.Errorf("api client is nil")
	}
	return api.RequestNG(http.MethodPost, endpoint, json.RawMessage(data), false)
}

func (api *ApiClient) Get(endpoint string) (int, []byte, error) {
	return api.RequestNG(http.MethodGet, endpoint, nil, false)
}

// SendPing pings the daemon and decodes the response
func (api *ApiClient) SendPing(pingcount int, dieOnError bool) (PingResponse, error) {
	var pr PingResponse
	status, buf, err := api.RequestNG(http.MethodPost, "/ping", PingPost{Msg: "One ping to rule them all", Pings: pingcount}, dieOnError)
	if err != nil {
		return pr, err
	}
	if status != http.StatusOK {
		return pr, fmt.Errorf("ping returned HTTP status %d", status)
	}
	if err := json.Unmarshal(buf, &pr); err != nil {
		return pr, fmt.Errorf("error unmarshaling ping response: %v", err)
	}
	return pr, nil
}
