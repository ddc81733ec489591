// cmd/quickbackup/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var formatText = `

This document describes the files that quickbackup writes in enough detail
that backups can be restored, and the tool's state inspected, without
quickbackup itself.

# Backups

Each run of "quickbackup backup <profile>" that finds something to back up
writes one output to the destination directory, named

    <profile>_<YYYYMMDD>_<HHMMSS>        (with --no-compress)
    <profile>_<YYYYMMDD>_<HHMMSS>.zip    (otherwise)

where the timestamp is the UTC time at which the run started. If a backup
with that name already exists, "_01", "_02", ... is appended to the name.
Names sort in the order the backups were made.

A backup holds only the files that were new or modified since the previous
backup of the profile (or all of them, with --no-incremental), so restoring
the state as of a given backup means extracting every backup up to and
including it, oldest first, on top of one another.

Inside a backup, each file is stored at its path relative to the directory
containing the source it was found under: for a source /home/me/Documents,
the file /home/me/Documents/taxes/2023.pdf is stored as
Documents/taxes/2023.pdf. If two sources have the same final path
component and contain a file at the same relative path, only the one from
the source listed first is stored.

Zip files are ordinary zip files; extract them with any unzip tool. Files
with already-compressed contents (jpg, png, mp4, zip, gz, ...) are stored
without compression; everything else is deflated. Each entry carries the
file's modification time and permissions.

While a backup is being written it has a hidden temporary name of the
form .<name>.zip.tmp-<random> or .<name>.tmp-<random> in the destination;
it's renamed to its final name only once complete. Each file is first
compressed into a hidden .<name>.entry-<random> file and only copied into
the zip file once it has been read completely, so a file that can't be
read leaves no entry behind. Leftover temporary files are the remains of
interrupted runs and may be deleted.

# Parity files

With --parity, a Reed-Solomon parity file <name>.zip.rs is written next to
the zip file; "quickbackup check" verifies a zip file against it and
"quickbackup repair" recovers a damaged one. The parity file is a stream of
values encoded with the Go "gob" package: first a header

type rsFileHeader struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

followed by one segment for every NDataShards*HashRate bytes of the zip
file:

type rsFileSegment struct {
	// First the data shard hashes, then the parity shard hashes.
	Hashes [][32]byte
	Parity [][]byte
}

Each segment's bytes (zero-padded at the end of the file) are split into
NDataShards shards of HashRate bytes, from which NParityShards parity
shards are computed with github.com/klauspost/reedsolomon. The hashes are
32 bytes of SHAKE256 of each shard.

# Profiles and checksums

Profiles and checksums are stored under $QUICKBACKUP_DIR if it's set, and
otherwise in the quickbackup directory under the user's XDG configuration
directory (usually ~/.config/quickbackup).

profiles/<name>.json holds a profile:

    {
      "name": "docs",
      "sources": ["/home/me/Documents"],
      "destination": "/mnt/backup",
      "created": "2024-01-02T03:04:05Z",
      "last_backup": "2024-01-03T03:04:05Z"
    }

config.json holds settings for all profiles; currently just
"default_destination", which is used for profiles without a destination.

checksums/<name>.gob records, for each file included in a backup of the
profile, the hash of its contents at that time. It's a single gob-encoded
value:

type diskFile struct {
	Version int // 1
	Records map[string]Record
}

type Record struct {
	Hash       [32]byte // SHAKE256 of the file's contents
	Size       int64
	ModTime    time.Time
	RecordedAt time.Time
}

keyed by the file's absolute path with all symbolic links resolved. A file
is included in the next incremental backup if it has no record or if its
contents no longer hash to the recorded value. Deleting this file makes the
next backup include everything; it's rebuilt as backups are made.
`
