package metadata

// Table DDL for the metadata database.
//
// Identity columns carry no PRIMARY KEY constraint: inserts check for an
// existing id inside their transaction, but a concurrent retry can still
// slip a duplicate row in. The maintenance task collapses those to the
// earliest-inserted canonical row.

const processesSchema = `
CREATE TABLE IF NOT EXISTS processes (
    process_id        VARCHAR NOT NULL,
    exe               VARCHAR NOT NULL,
    start_time        TIMESTAMP NOT NULL,
    start_ticks       BIGINT NOT NULL,
    tsc_frequency     BIGINT NOT NULL,
    parent_process_id VARCHAR,
    properties        VARCHAR,
    last_update_time  TIMESTAMP NOT NULL,
    insert_time       TIMESTAMP NOT NULL
)`

const processesIndexes = `
CREATE INDEX IF NOT EXISTS idx_processes_id ON processes(process_id)`

const streamsSchema = `
CREATE TABLE IF NOT EXISTS streams (
    stream_id             VARCHAR NOT NULL,
    process_id            VARCHAR NOT NULL,
    kind                  VARCHAR NOT NULL,
    tags                  VARCHAR,
    properties            VARCHAR,
    dependencies_metadata BLOB,
    objects_metadata      BLOB,
    insert_time           TIMESTAMP NOT NULL
)`

const streamsIndexes = `
CREATE INDEX IF NOT EXISTS idx_streams_process ON streams(process_id)`

const blocksSchema = `
CREATE TABLE IF NOT EXISTS blocks (
    block_id       VARCHAR NOT NULL,
    stream_id      VARCHAR NOT NULL,
    process_id     VARCHAR NOT NULL,
    begin_time     TIMESTAMP NOT NULL,
    end_time       TIMESTAMP NOT NULL,
    begin_ticks    BIGINT NOT NULL,
    end_ticks      BIGINT NOT NULL,
    nb_objects     INTEGER NOT NULL,
    payload_offset BIGINT NOT NULL,
    payload_size   BIGINT NOT NULL,
    insert_time    TIMESTAMP NOT NULL
)`

const blocksIndexes = `
CREATE INDEX IF NOT EXISTS idx_blocks_insert ON blocks(insert_time)`

const partitionsSchema = `
CREATE TABLE IF NOT EXISTS partitions (
    view_name          VARCHAR NOT NULL,
    view_key           VARCHAR NOT NULL,
    bucket_start       TIMESTAMP NOT NULL,
    bucket_end         TIMESTAMP NOT NULL,
    file_path          VARCHAR NOT NULL,
    file_size          BIGINT NOT NULL,
    rows               BIGINT NOT NULL,
    schema_fingerprint VARCHAR NOT NULL,
    source_insert_time TIMESTAMP NOT NULL,
    source_blocks      BIGINT NOT NULL,
    retired            BOOLEAN NOT NULL DEFAULT false,
    retired_at         TIMESTAMP,
    insert_time        TIMESTAMP NOT NULL
)`

const partitionsIndexes = `
CREATE INDEX IF NOT EXISTS idx_partitions_view ON partitions(view_name, view_key, bucket_start)`
