// Copyright 2024-2026 Aiku AI

// Package slackconnector implements the modmail platform on Slack.
//
// The modmail app talks to end users in im channels and to staff in a
// single staff channel, where every user gets one thread. The thread root
// ts is the surface id. Events arrive over socket mode; messages posted by
// any bot, including the modmail app and its endpoint apps, are marked
// automated so the relay never echoes them.
//
// Endpoints are additional Slack apps configured by bot token. They post
// replies under the end user's name and icon, which needs the
// chat:write.customize scope.
package slackconnector
