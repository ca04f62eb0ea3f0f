// Package helpdesk is the demo toolset: a stateless echo tool, the v1
// re-entry ticket and OAuth flows, and the v2 server-driven elicitation
// tools.
package helpdesk

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/legacy"
	"github.com/lolzy2026/mcp-elicitation/tools"
)

// CodeVerifier checks an authorization code delivered by a callback. The
// authmock package provides a JWKS-backed implementation.
type CodeVerifier interface {
	VerifyCode(ctx context.Context, code string) error
}

// Toolset builds the helpdesk tools against one auth provider configuration.
type Toolset struct {
	authBase    string
	callbackURL string
	stash       *legacy.CodeStash
	verifier    CodeVerifier
	log         *slog.Logger
}

// Option configures a Toolset.
type Option func(*Toolset)

// WithVerifier wires signature verification of authorization codes. Without
// it any non-empty code is accepted, matching the demo provider's contract.
func WithVerifier(v CodeVerifier) Option {
	return func(ts *Toolset) { ts.verifier = v }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(ts *Toolset) {
		if l != nil {
			ts.log = l
		}
	}
}

// New builds a Toolset. authBase is the auth provider origin (its /auth page
// lives there); callbackURL is this server's callback endpoint; stash holds
// v1 authorization codes between the callback and the re-entry call.
func New(authBase, callbackURL string, stash *legacy.CodeStash, opts ...Option) *Toolset {
	ts := &Toolset{
		authBase:    strings.TrimRight(authBase, "/"),
		callbackURL: callbackURL,
		stash:       stash,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// Register adds every helpdesk tool to reg.
func (ts *Toolset) Register(reg *tools.Registry) {
	reg.MustRegister(
		ts.simpleTool(),
		ts.createTicket(),
		ts.oauthAuth(),
		ts.createTicketV2(),
		ts.loginV2(),
		ts.bookAppointmentV2(),
		ts.debugElicitation(),
	)
}

func newTicketID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + strings.ToUpper(hex[:8])
}

// authURL builds the provider page the caller must visit. state is empty for
// the v2 flow, where the engine appends the correlation state itself.
func (ts *Toolset) authURL(state string) string {
	u := ts.authBase + "/auth?callback=" + url.QueryEscape(ts.callbackURL)
	if state != "" {
		u += "&state=" + url.QueryEscape(state)
	}
	return u
}

func (ts *Toolset) verifyCode(ctx context.Context, code string) bool {
	if code == "" {
		return false
	}
	if ts.verifier == nil {
		return true
	}
	if err := ts.verifier.VerifyCode(ctx, code); err != nil {
		ts.log.Warn("helpdesk.code.rejected", slog.String("err", err.Error()))
		return false
	}
	return true
}

// --- Tools ---

type simpleArgs struct {
	Message string `json:"message" jsonschema:"description=Message to process"`
}

func (ts *Toolset) simpleTool() tools.Tool {
	return tools.New("simple_tool", func(ctx context.Context, el tools.Elicitor, args simpleArgs) (any, error) {
		return "Processed: " + args.Message, nil
	}, tools.WithDescription("A simple tool that echoes the input message."))
}

type createTicketArgs struct {
	InitialDescription string `json:"initial_description"`
	ReporterName       string `json:"reporter_name,omitempty"`
	Priority           string `json:"priority,omitempty"`
	Description        string `json:"description,omitempty"`
}

// Ticket is the completed-ticket result payload.
type Ticket struct {
	ID                 string `json:"id"`
	InitialDescription string `json:"initial_description"`
	ReporterName       string `json:"reporter_name"`
	Priority           string `json:"priority"`
	Description        string `json:"description"`
}

func ticketFields() []elicit.Field {
	return []elicit.Field{
		{Name: "reporter_name", Type: "string", Description: "Name of the reporter", Required: true},
		{Name: "priority", Type: "string", Description: "Priority level", Enum: []string{"low", "medium", "high"}, Required: true},
		{Name: "description", Type: "string", Description: "Detailed description", Required: true},
	}
}

func (ts *Toolset) createTicket() tools.Tool {
	return tools.New("create_ticket", func(ctx context.Context, el tools.Elicitor, args createTicketArgs) (any, error) {
		if args.InitialDescription == "" {
			return nil, fmt.Errorf("initial_description is required")
		}
		return Ticket{
			ID:                 newTicketID("TICKET-"),
			InitialDescription: args.InitialDescription,
			ReporterName:       args.ReporterName,
			Priority:           args.Priority,
			Description:        args.Description,
		}, nil
	},
		tools.WithDescription("Create a new support ticket (v1)."),
		tools.WithCompletion("Please provide ticket details", ticketFields()...),
	)
}

type oauthAuthArgs struct {
	AuthCode string `json:"auth_code,omitempty"`
	State    string `json:"state,omitempty"`
}

func (ts *Toolset) oauthAuth() tools.Tool {
	return tools.New("oauth_auth", func(ctx context.Context, el tools.Elicitor, args oauthAuthArgs) (any, error) {
		if args.AuthCode != "" {
			if ts.verifyCode(ctx, args.AuthCode) {
				return "Authentication successful! You have been logged in.", nil
			}
			return "Authentication failed: We could not verify your login details. Please try again.", nil
		}

		if args.State != "" {
			code, ok := ts.stash.Take(args.State)
			if ok && ts.verifyCode(ctx, code) {
				return "Authentication successful! You have been logged in.", nil
			}
			return "Authentication failed: We could not verify your login details. Please try again.", nil
		}

		state := uuid.NewString()
		ts.stash.Issue(state)
		d := elicit.URLDescriptor("Please authenticate via OAuth", ts.authURL(state), "state")
		return &d, nil
	},
		tools.WithDescription("Authenticate via OAuth (v1)."),
	)
}

type createTicketV2Args struct {
	InitialDescription string `json:"initial_description"`
}

type ticketDetails struct {
	ReporterName string `json:"reporter_name" jsonschema:"description=Name of the reporter"`
	Priority     string `json:"priority" jsonschema:"description=Priority level,enum=low|medium|high"`
	Description  string `json:"description" jsonschema:"description=Detailed description"`
}

func (ts *Toolset) createTicketV2() tools.Tool {
	return tools.New("create_ticket_v2", func(ctx context.Context, el tools.Elicitor, args createTicketV2Args) (any, error) {
		details, err := tools.ElicitForm[ticketDetails](ctx, el, "Please provide additional ticket details for v2.")
		if err != nil {
			return nil, err
		}
		return Ticket{
			ID:                 newTicketID("TICKET-V2-"),
			InitialDescription: args.InitialDescription,
			ReporterName:       details.ReporterName,
			Priority:           details.Priority,
			Description:        details.Description,
		}, nil
	}, tools.WithDescription("Create a ticket (v2) using server-driven elicitation."))
}

func (ts *Toolset) loginV2() tools.Tool {
	return tools.New("login_v2", func(ctx context.Context, el tools.Elicitor, args struct{}) (any, error) {
		params, err := el.URL(ctx, "Please authenticate to continue (v2 flow).", ts.authURL(""))
		if err != nil {
			return nil, err
		}
		code, _ := params["code"].(string)
		if ts.verifyCode(ctx, code) {
			return "Authentication successful (v2)! You have been logged in.", nil
		}
		return "Authentication failed (v2): We could not verify your login details.", nil
	}, tools.WithDescription("Login (v2) using server-driven elicitation."))
}

type patientName struct {
	Name string `json:"name" jsonschema:"description=Patient name"`
}

type appointmentDate struct {
	Date string `json:"date" jsonschema:"description=Desired appointment date"`
}

func (ts *Toolset) bookAppointmentV2() tools.Tool {
	return tools.New("book_appointment_v2", func(ctx context.Context, el tools.Elicitor, args struct{}) (any, error) {
		name, err := tools.ElicitForm[patientName](ctx, el, "What is the patient's name?")
		if err != nil {
			return nil, err
		}
		date, err := tools.ElicitForm[appointmentDate](ctx, el,
			fmt.Sprintf("Thanks %s. What date would you like to book?", name.Name))
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Appointment booked for %s on %s!", name.Name, date.Date), nil
	}, tools.WithDescription("Book appointment using multiple elicitation steps."))
}

func (ts *Toolset) debugElicitation() tools.Tool {
	schema := elicit.NewBuilder().
		String("foo", elicit.Optional(), elicit.Description("Any value")).
		MustBuild()
	return tools.New("debug_elicitation", func(ctx context.Context, el tools.Elicitor, args struct{}) (any, error) {
		raw, err := el.Form(ctx, "Debug Prompt", schema)
		if err != nil {
			return nil, err
		}
		foo, _ := raw["foo"].(string)
		if foo == "" {
			foo = "None"
		}
		return "Debug Result: " + foo, nil
	}, tools.WithDescription("Simple debug tool for elicitation."))
}
