package models

import (
	"sort"
	"strings"
)

// Folder is a virtual mailbox view. Membership is a pure predicate over a
// message's tag set; nothing about folders is stored.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderOutbox  Folder = "outbox"
	FolderDrafts  Folder = "drafts"
	FolderArchive Folder = "archive"
	FolderTrash   Folder = "trash"
	FolderAll     Folder = "all"
)

var Folders = []Folder{FolderInbox, FolderOutbox, FolderDrafts, FolderArchive, FolderTrash, FolderAll}

func ValidFolder(f Folder) bool {
	for _, known := range Folders {
		if f == known {
			return true
		}
	}
	return false
}

// FolderContains reports whether a message with the given tags belongs to
// the folder.
func FolderContains(folder Folder, tags TagSet) bool {
	switch folder {
	case FolderInbox:
		return tags.Has(TagInbox) && tags.Lacks(TagArchived) && tags.Lacks(TagDeleted)
	case FolderOutbox:
		return tags.Has(TagSent) && tags.Lacks(TagArchived) && tags.Lacks(TagDeleted)
	case FolderDrafts:
		return tags.Has(TagDraft) && tags.Lacks(TagArchived) && tags.Lacks(TagDeleted)
	case FolderArchive:
		return tags.Has(TagArchived) && tags.Lacks(TagDeleted)
	case FolderTrash:
		return tags.Has(TagDeleted)
	case FolderAll:
		return true
	default:
		return false
	}
}

// SortKey selects the field ProjectFolder orders by.
type SortKey string

const (
	SortByDate    SortKey = "date"
	SortBySender  SortKey = "sender"
	SortBySubject SortKey = "subject"
)

// ProjectFolder computes the folder's visible member list. Pure: the input
// slice is never mutated and no I/O happens here. Default order is newest
// first; sender/subject sorts are case-insensitive. The sort is stable so
// ties keep their input order.
func ProjectFolder(messages []Message, folder Folder, key SortKey, ascending bool) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if FolderContains(folder, m.Tags) {
			out = append(out, m)
		}
	}

	var less func(i, j int) bool
	switch key {
	case SortBySender:
		less = func(i, j int) bool {
			return strings.ToLower(out[i].Sender) < strings.ToLower(out[j].Sender)
		}
	case SortBySubject:
		less = func(i, j int) bool {
			return strings.ToLower(out[i].Subject) < strings.ToLower(out[j].Subject)
		}
	default:
		// Date sort defaults to newest first, so flip the meaning of
		// "ascending" relative to the field comparisons above.
		less = func(i, j int) bool { return out[i].AssetCreatedAt.After(out[j].AssetCreatedAt) }
		ascending = !ascending
	}
	if !ascending {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(out, less)
	return out
}

// FolderCounts returns the member count of every folder in one pass.
func FolderCounts(messages []Message) map[Folder]int {
	counts := make(map[Folder]int, len(Folders))
	for _, f := range Folders {
		counts[f] = 0
	}
	for _, m := range messages {
		for _, f := range Folders {
			if FolderContains(f, m.Tags) {
				counts[f]++
			}
		}
	}
	return counts
}
