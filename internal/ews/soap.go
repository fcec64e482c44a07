package ews

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

const (
	nsSoap     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"

	soapActionCreateItem = "http://schemas.microsoft.com/exchange/services/2006/messages/CreateItem"
)

type envelope struct {
	XMLName   xml.Name   `xml:"soap:Envelope"`
	XmlnsSoap string     `xml:"xmlns:soap,attr"`
	XmlnsT    string     `xml:"xmlns:t,attr"`
	XmlnsM    string     `xml:"xmlns:m,attr"`
	Header    soapHeader `xml:"soap:Header"`
	Body      soapBody   `xml:"soap:Body"`
}

type soapHeader struct {
	RequestServerVersion requestServerVersion  `xml:"t:RequestServerVersion"`
	Impersonation        *exchangeImpersonation `xml:"t:ExchangeImpersonation,omitempty"`
}

type requestServerVersion struct {
	Version string `xml:"Version,attr"`
}

type exchangeImpersonation struct {
	PrimarySmtpAddress string `xml:"t:ConnectingSID>t:PrimarySmtpAddress"`
}

type soapBody struct {
	CreateItem createItem `xml:"m:CreateItem"`
}

type createItem struct {
	MessageDisposition string           `xml:"MessageDisposition,attr"`
	SavedItemFolderID  savedItemFolder  `xml:"m:SavedItemFolderId"`
	Items              createItemsBlock `xml:"m:Items"`
}

type savedItemFolder struct {
	DistinguishedFolderID distinguishedFolder `xml:"t:DistinguishedFolderId"`
}

type distinguishedFolder struct {
	ID      string   `xml:"Id,attr"`
	Mailbox *mailbox `xml:"t:Mailbox,omitempty"`
}

type mailbox struct {
	EmailAddress string `xml:"t:EmailAddress"`
}

type createItemsBlock struct {
	Message messageItem `xml:"t:Message"`
}

type messageItem struct {
	MimeContent mimeContent `xml:"t:MimeContent"`
}

type mimeContent struct {
	CharacterSet string `xml:"CharacterSet,attr"`
	Content      string `xml:",chardata"`
}

// createItemRequest builds a CreateItem that sends mimeBody and keeps a
// copy in the account's Sent Items.
func createItemRequest(version Version, account string, impersonate bool, mimeBody []byte) ([]byte, error) {
	env := envelope{
		XmlnsSoap: nsSoap,
		XmlnsT:    nsTypes,
		XmlnsM:    nsMessages,
		Header: soapHeader{
			RequestServerVersion: requestServerVersion{Version: version.Name},
		},
		Body: soapBody{CreateItem: createItem{
			MessageDisposition: "SendAndSaveCopy",
			SavedItemFolderID: savedItemFolder{DistinguishedFolderID: distinguishedFolder{
				ID:      "sentitems",
				Mailbox: &mailbox{EmailAddress: account},
			}},
			Items: createItemsBlock{Message: messageItem{MimeContent: mimeContent{
				CharacterSet: "UTF-8",
				Content:      base64.StdEncoding.EncodeToString(mimeBody),
			}}},
		}},
	}
	if impersonate {
		env.Header.Impersonation = &exchangeImpersonation{PrimarySmtpAddress: account}
	}

	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CreateItem: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

type responseEnvelope struct {
	Body struct {
		Fault              *soapFault `xml:"Fault"`
		CreateItemResponse struct {
			Messages []responseMessage `xml:"ResponseMessages>CreateItemResponseMessage"`
		} `xml:"CreateItemResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Code         string `xml:"faultcode"`
	String       string `xml:"faultstring"`
	ResponseCode string `xml:"detail>ResponseCode"`
	Message      string `xml:"detail>Message"`
}

type responseMessage struct {
	ResponseClass string `xml:"ResponseClass,attr"`
	MessageText   string `xml:"MessageText"`
	ResponseCode  string `xml:"ResponseCode"`
}

// transientCodes are EWS response codes worth retrying.
var transientCodes = map[string]bool{
	"ErrorServerBusy":                   true,
	"ErrorTimeoutExpired":               true,
	"ErrorInternalServerTransientError": true,
	"ErrorMailboxStoreUnavailable":      true,
	"ErrorConnectionFailed":             true,
	"ErrorMailboxMoveInProgress":        true,
	"ErrorBatchProcessingStopped":       true,
	"ErrorInsufficientResources":        true,
	"ErrorExceededConnectionCount":      true,
	"ErrorTooManyObjectsOpened":         true,
}

// parseResponse turns an EWS reply into nil or a classified *SendError.
func parseResponse(statusCode int, header http.Header, body []byte) error {
	var resp responseEnvelope
	xmlErr := xml.Unmarshal(body, &resp)

	if xmlErr == nil && resp.Body.Fault != nil {
		f := resp.Body.Fault
		code := f.ResponseCode
		msg := f.String
		if f.Message != "" {
			msg = f.Message
		}
		return classify(statusCode, code, msg, header.Get("Retry-After"))
	}

	if statusCode != http.StatusOK {
		return classify(statusCode, "", truncate(strings.TrimSpace(string(body)), 512), header.Get("Retry-After"))
	}
	if xmlErr != nil {
		return &SendError{StatusCode: statusCode, Message: fmt.Sprintf("malformed EWS response: %v", xmlErr), Transient: true}
	}

	messages := resp.Body.CreateItemResponse.Messages
	if len(messages) == 0 {
		return &SendError{StatusCode: statusCode, Message: "EWS response has no CreateItemResponseMessage", Transient: true}
	}
	for _, m := range messages {
		if m.ResponseClass != "Success" {
			return classify(statusCode, m.ResponseCode, m.MessageText, "")
		}
	}
	return nil
}

func classify(statusCode int, responseCode, message, retryAfter string) *SendError {
	err := &SendError{
		StatusCode:   statusCode,
		ResponseCode: responseCode,
		Message:      message,
		RetryAfter:   retryAfter,
	}

	if responseCode != "" {
		err.Transient = transientCodes[responseCode]
		return err
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		err.Transient = true
	case statusCode == http.StatusTooManyRequests:
		err.Transient = true
	case statusCode >= 500:
		err.Transient = true
	}
	return err
}
