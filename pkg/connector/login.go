// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
)

// ErrNoCredentials is returned when neither a token nor a username and
// password are configured.
var ErrNoCredentials = errors.New("no mattermost credentials configured")

// loginResult holds the outcome of a successful credential validation.
type loginResult struct {
	User   *model.User
	TeamID string
	Client *model.Client4
}

// validateTokenLogin creates a client for the given server and token,
// verifies the session, and resolves the user's first team.
func validateTokenLogin(ctx context.Context, serverURL, token string) (*loginResult, error) {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	teamID, err := fetchFirstTeamID(ctx, client, me.Id)
	if err != nil {
		return nil, err
	}

	return &loginResult{
		User:   me,
		TeamID: teamID,
		Client: client,
	}, nil
}

// validatePasswordLogin logs in with a username and password. The session
// token ends up on the returned client.
func validatePasswordLogin(ctx context.Context, serverURL, username, password string) (*loginResult, error) {
	client := model.NewAPIv4Client(serverURL)
	me, _, err := client.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("password login failed: %w", err)
	}
	if client.AuthToken == "" {
		return nil, errors.New("password login returned no session token")
	}

	teamID, err := fetchFirstTeamID(ctx, client, me.Id)
	if err != nil {
		return nil, err
	}

	return &loginResult{
		User:   me,
		TeamID: teamID,
		Client: client,
	}, nil
}

// fetchFirstTeamID returns the first team ID for the given user, or empty
// string if the user has no teams.
func fetchFirstTeamID(ctx context.Context, client *model.Client4, userID string) (string, error) {
	teams, _, err := client.GetTeamsForUser(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("failed to get teams: %w", err)
	}
	if len(teams) > 0 {
		return teams[0].Id, nil
	}
	return "", nil
}

// Login authenticates the modmail bot and resolves its team. It must be
// called before any other method.
func (c *Connector) Login(ctx context.Context) error {
	var result *loginResult
	var err error
	switch {
	case c.Config.Token != "":
		result, err = validateTokenLogin(ctx, c.Config.ServerURL, c.Config.Token)
	case c.Config.Username != "" && c.Config.Password != "":
		result, err = validatePasswordLogin(ctx, c.Config.ServerURL, c.Config.Username, c.Config.Password)
	default:
		return ErrNoCredentials
	}
	if err != nil {
		return err
	}

	teamID := c.Config.TeamID
	if teamID == "" {
		teamID = result.TeamID
	}
	var teamName string
	if teamID != "" {
		team, _, err := result.Client.GetTeam(ctx, teamID, "")
		if err != nil {
			return fmt.Errorf("failed to get team %s: %w", teamID, err)
		}
		teamName = team.Name
	}

	c.client = result.Client
	c.userID = result.User.Id
	c.username = result.User.Username
	c.teamID = teamID
	c.teamName = teamName
	c.log.Info().
		Str("user_id", c.userID).
		Str("username", c.username).
		Str("team", teamName).
		Msg("Authenticated")
	return nil
}
