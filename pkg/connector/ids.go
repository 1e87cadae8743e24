// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
)

// Post props set or read by the connector.
const (
	propRelayed          = "modmail_relayed"
	propFromBot          = "from_bot"
	propOverrideUsername = "override_username"
	propOverrideIcon     = "override_icon_url"
	propAttachments      = "attachments"
)

// permalink returns the team-scoped permalink of a post.
func permalink(serverURL, teamName, postID string) string {
	base := strings.TrimSuffix(serverURL, "/")
	if teamName == "" {
		return base + "/pl/" + postID
	}
	return base + "/" + teamName + "/pl/" + postID
}

// fileURL returns the API link of an uploaded file.
func fileURL(serverURL, fileID string) string {
	return strings.TrimSuffix(serverURL, "/") + "/api/v4/files/" + fileID
}

// avatarURL returns the profile image link of a user.
func avatarURL(serverURL, userID string) string {
	return strings.TrimSuffix(serverURL, "/") + "/api/v4/users/" + userID + "/image"
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
